// Package testdata ships sample plugins used by the end to end tests.
package testdata

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

//go:embed plugins
var pluginsFS embed.FS

// Plugins lists the embedded plugin fixtures.
func Plugins() ([]string, error) {
	entries, err := pluginsFS.ReadDir("plugins")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// InstallPlugin copies the fixture called name into dir/name. When version
// is not empty it replaces the manifest version. Shell scripts are made
// executable. It returns the plugin directory.
func InstallPlugin(dir, name, version string) (string, error) {
	root := path.Join("plugins", name)
	if _, err := fs.Stat(pluginsFS, root); err != nil {
		return "", fmt.Errorf("unknown fixture %s: %w", name, err)
	}

	dst := filepath.Join(dir, name)
	if err := os.MkdirAll(dst, 0755); err != nil {
		return "", err
	}

	entries, err := pluginsFS.ReadDir(root)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		data, err := pluginsFS.ReadFile(path.Join(root, e.Name()))
		if err != nil {
			return "", err
		}
		if e.Name() == "plugin.json" && version != "" {
			if data, err = setVersion(data, version); err != nil {
				return "", fmt.Errorf("fixture %s: %w", name, err)
			}
		}
		mode := os.FileMode(0644)
		if strings.HasSuffix(e.Name(), ".sh") {
			mode = 0755
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, mode); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func setVersion(manifest []byte, version string) ([]byte, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(manifest, &m); err != nil {
		return nil, err
	}
	m["version"] = version
	return json.MarshalIndent(m, "", "  ")
}
