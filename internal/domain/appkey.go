// Package domain holds the data types shared by the config loader, worker
// pool, and dispatcher: app identity, worker configuration, and the typed
// error taxonomy that the dispatcher maps to HTTP status codes.
package domain

import (
	"path/filepath"
	"strings"
)

// DefaultVersion is used when neither a manifest nor the directory name
// supplies a version component.
const DefaultVersion = "0.0.0"

// AppKey is the canonical "<name>@<version>" identifier derived from a
// deployed app directory. It is the pool's cache key and the unit of
// stats aggregation.
type AppKey string

// String returns the key's wire form.
func (k AppKey) String() string { return string(k) }

// Name returns the name component of the key.
func (k AppKey) Name() string {
	name, _, _ := strings.Cut(string(k), "@")
	return name
}

// Version returns the version component of the key.
func (k AppKey) Version() string {
	_, version, ok := strings.Cut(string(k), "@")
	if !ok {
		return DefaultVersion
	}
	return version
}

// ManifestIdentity is the {name, version} pair read from a package
// manifest, when present. Either field may be empty.
type ManifestIdentity struct {
	Name    string
	Version string
}

// DeriveAppKey computes the AppKey for a deployed app directory.
//
// Precedence: a manifest-supplied {name, version} wins outright. Otherwise
// the directory's own path is parsed as either a flat "name@version"
// folder, or a nested ".../name/version" layout (the parent directory is
// the name, the leaf is the version). Missing version components fall
// back to DefaultVersion.
func DeriveAppKey(appDir string, manifest ManifestIdentity) AppKey {
	if manifest.Name != "" {
		version := manifest.Version
		if version == "" {
			version = DefaultVersion
		}
		return AppKey(manifest.Name + "@" + version)
	}

	base := filepath.Base(filepath.Clean(appDir))
	if name, version, ok := strings.Cut(base, "@"); ok && name != "" {
		if version == "" {
			version = DefaultVersion
		}
		return AppKey(name + "@" + version)
	}

	parent := filepath.Dir(filepath.Clean(appDir))
	parentName := filepath.Base(parent)
	if parentName != "" && parentName != "." && parentName != string(filepath.Separator) {
		return AppKey(parentName + "@" + base)
	}

	return AppKey(base + "@" + DefaultVersion)
}
