package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadRegoFiles reads the .rego files in dir, keyed by file name. Rego test
// files (*_test.rego) are skipped.
func LoadRegoFiles(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir %s: %w", dir, err)
	}

	modules := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".rego" || strings.HasSuffix(name, "_test.rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read policy %s: %w", name, err)
		}
		modules[name] = string(data)
	}
	return modules, nil
}
