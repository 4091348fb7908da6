package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
)

// documentSchema describes the on-disk rule document. Both YAML and JSON
// documents are checked against it after decoding.
const documentSchema = `{
  "type": "object",
  "required": ["version", "rules"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": ["string", "integer", "number"]},
    "limits": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "additionalProperties": false,
        "properties": {
          "retention": {"type": "string"},
          "capacity": {"type": "integer", "minimum": 0}
        }
      }
    },
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "events"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "events": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
          "sources": {"type": "array", "items": {"type": "string"}},
          "match": {"type": "object"},
          "thresholds": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["field"],
              "additionalProperties": false,
              "properties": {
                "field": {"type": "string", "minLength": 1},
                "min": {"type": "number"},
                "max": {"type": "number"}
              }
            }
          },
          "categories": {
            "type": "array",
            "items": {"enum": ["pattern", "team", "error", "project", "performance", "decision"]}
          },
          "priority": {"enum": ["low", "medium", "high"]},
          "trigger": {"type": "boolean"},
          "tags": {"type": "array", "items": {"type": "string"}}
        }
      }
    }
  }
}`

var compiledSchema *gojsonschema.Schema

func init() {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("policy: invalid document schema: %v", err))
	}
	compiledSchema = s
}

type document struct {
	Version any                 `json:"version"`
	Limits  map[string]limitDoc `json:"limits"`
	Rules   []Rule              `json:"rules"`
}

type limitDoc struct {
	Retention string `json:"retention"`
	Capacity  int    `json:"capacity"`
}

// LoadFile reads a rule document from a .yaml, .yml or .json file.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("unsupported policy format: %s (use .json or .yaml)", ext)
	}
	return Parse(data)
}

// Parse decodes and validates a rule document. JSON is accepted as a YAML subset.
func Parse(data []byte) (*Set, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode policy document: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("policy document is empty")
	}

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize policy document: %w", err)
	}

	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(normalized))
	if err != nil {
		return nil, fmt.Errorf("policy validation execution failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return nil, fmt.Errorf("policy schema validation failed:\n- %s", strings.Join(errs, "\n- "))
	}

	var doc document
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy document: %w", err)
	}

	set := &Set{
		Version: fmt.Sprint(doc.Version),
		Rules:   doc.Rules,
	}
	if len(doc.Limits) > 0 {
		set.Limits = make(map[memory.Category]memory.Limits, len(doc.Limits))
		for name, l := range doc.Limits {
			c, err := memory.ParseCategory(name)
			if err != nil {
				return nil, fmt.Errorf("limits: %w", err)
			}
			var retention time.Duration
			if l.Retention != "" {
				retention, err = time.ParseDuration(l.Retention)
				if err != nil {
					return nil, fmt.Errorf("limits %q: invalid retention: %w", name, err)
				}
			}
			set.Limits[c] = memory.Limits{Retention: retention, Capacity: l.Capacity}
		}
	}

	if err := set.Validate(); err != nil {
		return nil, err
	}
	return set, nil
}
