package injection

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// Load reads a rule file and picks the decoder from its extension. Unknown
// extensions are read as JSON.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read injection file: %w", err)
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".toml":
		format = "toml"
	}
	rules, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parse injection file %s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes a rule document. YAML and TOML documents are normalised to
// JSON first so that all three formats share one set of field names.
func Parse(data []byte, format string) (*Rules, error) {
	var doc map[string]any
	switch format {
	case "json", "":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case "toml":
		tree, err := toml.LoadBytes(data)
		if err != nil {
			return nil, err
		}
		doc = tree.ToMap()
	default:
		return nil, fmt.Errorf("unsupported rule format: %s", format)
	}

	// "int" is the historical key for interrupt rules.
	if v, ok := doc["int"]; ok {
		if _, dup := doc["interrupt"]; !dup {
			doc["interrupt"] = v
		}
		delete(doc, "int")
	}

	normalised, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var rules Rules
	if err := json.Unmarshal(normalised, &rules); err != nil {
		return nil, err
	}
	if err := rules.compile(); err != nil {
		return nil, err
	}
	return &rules, nil
}

// Marshal encodes rules in the requested format.
func Marshal(rules *Rules, format string) ([]byte, error) {
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return nil, err
	}
	if format == "json" {
		return data, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	switch format {
	case "yaml", "yml":
		return yaml.Marshal(doc)
	case "toml":
		return toml.Marshal(doc)
	}
	return nil, fmt.Errorf("unsupported rule format: %s", format)
}

// Example returns a rule set showcasing each rule kind, used by config init.
func Example() *Rules {
	return &Rules{
		Control: ControlRules{
			Modify: []ControlRule{{
				Enable:         false,
				ControlMatch:   ControlMatch{BRequestType: 0x80, BRequest: 0x06, WValue: 0x0100, WLength: 18},
				ContentPattern: []string{`\x12\x01`},
				Replacement:    `\x12\x01`,
			}},
			Ignore: []ControlRule{{
				Enable:       false,
				ControlMatch: ControlMatch{BRequestType: 0x40, BRequest: 0x01},
			}},
			Stall: []ControlRule{{
				Enable:       false,
				ControlMatch: ControlMatch{BRequestType: 0x00, BRequest: 0x01},
			}},
		},
		Bulk: []StreamRule{{
			Enable:         false,
			EPAddress:      0x81,
			ContentPattern: []string{`\x41\x42`},
			Replacement:    `\x58`,
		}},
		Interrupt: []StreamRule{},
		Isoc:      []StreamRule{},
	}
}
