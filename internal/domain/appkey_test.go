package domain

import "testing"

func TestDeriveAppKey(t *testing.T) {
	tests := []struct {
		name     string
		appDir   string
		manifest ManifestIdentity
		want     AppKey
	}{
		{"manifest wins", "/apps/whatever", ManifestIdentity{Name: "billing", Version: "2.1.0"}, "billing@2.1.0"},
		{"manifest without version", "/apps/whatever", ManifestIdentity{Name: "billing"}, "billing@0.0.0"},
		{"flat folder name", "/apps/billing@2.1.0", ManifestIdentity{}, "billing@2.1.0"},
		{"flat folder no version", "/apps/billing@", ManifestIdentity{}, "billing@0.0.0"},
		{"nested name/version", "/apps/billing/2.1.0", ManifestIdentity{}, "billing@2.1.0"},
		{"bare folder", "/apps/billing", ManifestIdentity{}, "apps@billing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveAppKey(tt.appDir, tt.manifest)
			if got != tt.want {
				t.Fatalf("DeriveAppKey(%q, %+v) = %q, want %q", tt.appDir, tt.manifest, got, tt.want)
			}
		})
	}
}

func TestAppKeyAccessors(t *testing.T) {
	k := AppKey("billing@2.1.0")
	if k.Name() != "billing" {
		t.Fatalf("Name() = %q, want billing", k.Name())
	}
	if k.Version() != "2.1.0" {
		t.Fatalf("Version() = %q, want 2.1.0", k.Version())
	}

	bare := AppKey("billing")
	if bare.Version() != DefaultVersion {
		t.Fatalf("Version() = %q, want %q", bare.Version(), DefaultVersion)
	}
}
