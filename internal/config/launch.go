package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"
)

// LaunchConfig is one named debug configuration from a project's launch
// file: which adapter to use and the adapter-specific payload for the
// launch or attach request.
type LaunchConfig struct {
	Name    string         `json:"name" yaml:"name"`
	Adapter string         `json:"adapter" yaml:"adapter"`
	Request string         `json:"request,omitempty" yaml:"request,omitempty"` // "launch" (default) or "attach"
	Args    map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	// StopOnEntry asks the adapter to stop at the first instruction.
	StopOnEntry bool `json:"stopOnEntry,omitempty" yaml:"stopOnEntry,omitempty"`
}

// launchFile is the root of a launch configuration file.
type launchFile struct {
	Configurations []LaunchConfig `json:"configurations" yaml:"configurations"`
}

// launchSchema validates the JSON form of a launch file before it is
// decoded, so a typo fails with a pointed message instead of a zero value.
const launchSchema = `{
  "type": "object",
  "required": ["configurations"],
  "properties": {
    "configurations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "adapter"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "adapter": {"type": "string", "minLength": 1},
          "request": {"enum": ["launch", "attach"]},
          "args": {"type": "object"},
          "stopOnEntry": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// LoadLaunch reads a launch configuration file. YAML files are normalized
// to JSON first; both forms are validated against the launch schema.
func LoadLaunch(path string) ([]LaunchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read launch config %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse launch config %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("launch config %s: %w", path, err)
		}
	case ".json":
	default:
		return nil, fmt.Errorf("launch config %s: unsupported extension", path)
	}

	if err := validateLaunch(data); err != nil {
		return nil, fmt.Errorf("launch config %s: %w", path, err)
	}

	var file launchFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse launch config %s: %w", path, err)
	}

	for i := range file.Configurations {
		if file.Configurations[i].Request == "" {
			file.Configurations[i].Request = "launch"
		}
	}
	return file.Configurations, nil
}

// FindLaunch returns the configuration with the given name.
func FindLaunch(configs []LaunchConfig, name string) (LaunchConfig, error) {
	for _, lc := range configs {
		if lc.Name == name {
			return lc, nil
		}
	}
	return LaunchConfig{}, fmt.Errorf("no launch configuration named %q", name)
}

func validateLaunch(data []byte) error {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(launchSchema))
	if err != nil {
		return fmt.Errorf("compile launch schema: %w", err)
	}
	result := schema.ValidateJSON(data)
	if !result.IsValid() {
		return fmt.Errorf("schema validation failed: %v", result.Errors)
	}
	return nil
}
