// Package format validates structured configuration files before they are deployed.
package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Validator checks that data is well formed
type Validator func(data []byte) error

var validators = map[string]Validator{
	".yaml": validateYAML,
	".yml":  validateYAML,
	".json": validateJSON,
	".toml": validateTOML,
}

// Extensions returns the file extensions that are validated
func Extensions() []string {
	exts := make([]string, 0, len(validators))
	for ext := range validators {
		exts = append(exts, ext)
	}
	return exts
}

// IsStructured returns true if the file extension has a validator
func IsStructured(path string) bool {
	_, ok := validators[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Validate reads path and validates it according to its extension.
// Files with unknown extensions are accepted without reading them.
func Validate(path string) error {
	validate, ok := validators[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := validate(data); err != nil {
		return fmt.Errorf("invalid %s content in %s: %w", strings.TrimPrefix(filepath.Ext(path), "."), filepath.Base(path), err)
	}
	return nil
}

// validateYAML parses every document of the stream. Decoding into yaml.Node
// keeps custom tags such as !include or !secret without resolving them.
func validateYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func validateJSON(data []byte) error {
	var v any
	return json.Unmarshal(data, &v)
}

func validateTOML(data []byte) error {
	var v map[string]any
	return toml.Unmarshal(data, &v)
}
