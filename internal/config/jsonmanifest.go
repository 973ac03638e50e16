package config

import (
	"encoding/json"
	"os"
)

// readJSONDocument reads a minimal JSON document shaped like a package
// manifest. Go has no generalized package-manifest format the way Node
// does, so this just unmarshals into a generic map.
func readJSONDocument(path string) (map[string]any, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false
	}
	return doc, true
}
