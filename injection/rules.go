// Package injection holds the declarative rewrite rules applied to relayed
// transfers and the engine that evaluates them.
package injection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Rules is the parsed rule document keyed by transfer class.
type Rules struct {
	Control   ControlRules `json:"control"`
	Bulk      []StreamRule `json:"bulk"`
	Interrupt []StreamRule `json:"interrupt"`
	Isoc      []StreamRule `json:"isoc"`
}

// ControlRules groups control rules by the action they request.
type ControlRules struct {
	Modify []ControlRule `json:"modify"`
	Ignore []ControlRule `json:"ignore"`
	Stall  []ControlRule `json:"stall"`
}

// ControlMatch is the full 5-tuple a control rule compares against.
type ControlMatch struct {
	BRequestType uint8  `json:"bRequestType"`
	BRequest     uint8  `json:"bRequest"`
	WValue       uint16 `json:"wValue"`
	WIndex       uint16 `json:"wIndex"`
	WLength      uint16 `json:"wLength"`
}

// ControlRule matches a control request. Patterns and replacement are only
// meaningful for modify rules.
type ControlRule struct {
	Enable bool `json:"enable"`
	ControlMatch
	ContentPattern []string `json:"content_pattern,omitempty"`
	Replacement    string   `json:"replacement,omitempty"`

	patterns    [][]byte
	replacement []byte
}

// StreamRule rewrites payloads on one bulk, interrupt or isochronous endpoint.
type StreamRule struct {
	Enable         bool      `json:"enable"`
	EPAddress      EPAddress `json:"ep_address"`
	ContentPattern []string  `json:"content_pattern"`
	Replacement    string    `json:"replacement"`

	patterns    [][]byte
	replacement []byte
}

// EPAddress is an endpoint address that accepts several spellings: a JSON
// string holding hex ("0x81" or "81"), or a number whose decimal digits are
// read as hex (81 means 0x81), which is how existing rule files write it.
type EPAddress uint8

func (a *EPAddress) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := parseEPAddress(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (a EPAddress) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%02x", uint8(a)))
}

func parseEPAddress(raw any) (EPAddress, error) {
	var s string
	switch v := raw.(type) {
	case float64:
		if v < 0 || v != float64(int64(v)) {
			return 0, fmt.Errorf("ep_address: invalid number %v", v)
		}
		s = strconv.FormatInt(int64(v), 10)
	case string:
		s = strings.TrimSpace(v)
		s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	default:
		return 0, fmt.Errorf("ep_address: unsupported type %T", raw)
	}
	n, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("ep_address: %w", err)
	}
	return EPAddress(n), nil
}

// compile decodes the hex-escaped strings of every rule once so evaluation
// never parses.
func (r *Rules) compile() error {
	for _, list := range []*[]ControlRule{&r.Control.Modify, &r.Control.Ignore, &r.Control.Stall} {
		for i := range *list {
			rule := &(*list)[i]
			p, repl, err := decodeAll(rule.ContentPattern, rule.Replacement)
			if err != nil {
				return fmt.Errorf("control rule %d: %w", i, err)
			}
			rule.patterns, rule.replacement = p, repl
		}
	}
	for _, class := range []struct {
		name string
		list []StreamRule
	}{{"bulk", r.Bulk}, {"interrupt", r.Interrupt}, {"isoc", r.Isoc}} {
		for i := range class.list {
			rule := &class.list[i]
			p, repl, err := decodeAll(rule.ContentPattern, rule.Replacement)
			if err != nil {
				return fmt.Errorf("%s rule %d: %w", class.name, i, err)
			}
			rule.patterns, rule.replacement = p, repl
		}
	}
	return nil
}

func decodeAll(patterns []string, replacement string) ([][]byte, []byte, error) {
	out := make([][]byte, 0, len(patterns))
	for _, p := range patterns {
		b, err := DecodeHex(p)
		if err != nil {
			return nil, nil, fmt.Errorf("content_pattern %q: %w", p, err)
		}
		if len(b) == 0 {
			return nil, nil, fmt.Errorf("content_pattern %q: empty pattern", p)
		}
		out = append(out, b)
	}
	repl, err := DecodeHex(replacement)
	if err != nil {
		return nil, nil, fmt.Errorf("replacement %q: %w", replacement, err)
	}
	return out, repl, nil
}

// DecodeHex turns a hex-escaped string such as `\x41\x42` into bytes.
// Characters outside an escape are taken literally.
func DecodeHex(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)/4)
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == 'x' || s[i+1] == 'X') {
			if i+4 > len(s) {
				return nil, fmt.Errorf("truncated escape at offset %d", i)
			}
			n, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad escape at offset %d: %w", i, err)
			}
			out = append(out, byte(n))
			i += 4
			continue
		}
		out = append(out, s[i])
		i++
	}
	return out, nil
}

// EncodeHex is the inverse of DecodeHex and always escapes every byte.
func EncodeHex(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		fmt.Fprintf(&sb, `\x%02x`, c)
	}
	return sb.String()
}
