package schema

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseGraph decodes a graph definition from JSON or YAML. Input starting
// with '{' is read as JSON, anything else as YAML. The result is not
// normalized.
func ParseGraph(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(ErrCodeValidation, "graph definition is empty")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &def); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "decode graph JSON: %s", err.Error()).WithCause(err)
		}
		return &def, nil
	}
	if err := yaml.Unmarshal(trimmed, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode graph YAML: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}

// LoadGraphFile reads and decodes a graph file. A graph without an ID takes
// the file's base name.
func LoadGraphFile(path string) (*GraphDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewErrorf(ErrCodeNotFound, "read graph %s: %s", path, err.Error()).WithCause(err)
	}
	def, err := ParseGraph(data)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}
