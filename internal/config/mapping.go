package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MappingKey is the configuration key holding the database mapping.
const MappingKey = "database_list"

// ErrNoMapping is returned when a document has no database_list.
var ErrNoMapping = errors.New("no database_list in configuration")

// MappingEntry pairs a source database with the target it is loaded into.
type MappingEntry struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Renamed reports whether the target name differs from the source.
func (e MappingEntry) Renamed() bool {
	return e.Source != e.Target
}

// DatabaseMapping is an ordered set of entries with unique sources and
// unique targets. The zero value is empty. It is not modified after construction; accessors return
// copies.
type DatabaseMapping struct {
	entries []MappingEntry
}

// NewMapping validates entries and keeps their order. An empty Target
// defaults to Source. Two entries may not load into the same target.
func NewMapping(entries ...MappingEntry) (DatabaseMapping, error) {
	var errs ValidationErrors
	seen := make(map[string]bool, len(entries))
	targets := make(map[string]string, len(entries))
	out := make([]MappingEntry, 0, len(entries))

	for i, e := range entries {
		e.Source = strings.TrimSpace(e.Source)
		e.Target = strings.TrimSpace(e.Target)
		if e.Source == "" {
			errs.Add(fmt.Sprintf("%s[%d]", MappingKey, i), "source database name is empty", nil)
			continue
		}
		if e.Target == "" {
			e.Target = e.Source
		}
		if seen[e.Source] {
			errs.Add(MappingKey, "duplicate source database", e.Source)
			continue
		}
		if other, ok := targets[e.Target]; ok {
			errs.Add(MappingKey, fmt.Sprintf("target database is also the target of %s", other), e.Target)
			continue
		}
		seen[e.Source] = true
		targets[e.Target] = e.Source
		out = append(out, e)
	}
	if errs.HasErrors() {
		return DatabaseMapping{}, errs
	}
	return DatabaseMapping{entries: out}, nil
}

// IdentityMapping maps every name onto itself.
func IdentityMapping(names ...string) (DatabaseMapping, error) {
	entries := make([]MappingEntry, len(names))
	for i, n := range names {
		entries[i] = MappingEntry{Source: n, Target: n}
	}
	return NewMapping(entries...)
}

// Entries returns a copy of the entries in order.
func (m DatabaseMapping) Entries() []MappingEntry {
	out := make([]MappingEntry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Sources returns the source names in order.
func (m DatabaseMapping) Sources() []string {
	out := make([]string, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.Source
	}
	return out
}

// Len returns the number of entries.
func (m DatabaseMapping) Len() int { return len(m.entries) }

// Empty reports whether the mapping has no entries.
func (m DatabaseMapping) Empty() bool { return len(m.entries) == 0 }

// Target looks up the target for source.
func (m DatabaseMapping) Target(source string) (string, bool) {
	for _, e := range m.entries {
		if e.Source == source {
			return e.Target, true
		}
	}
	return "", false
}

// MarshalJSON encodes the entries as an ordered list.
func (m DatabaseMapping) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.entries)
}

// MarshalYAML encodes the entries as an ordered list.
func (m DatabaseMapping) MarshalYAML() (interface{}, error) {
	return m.entries, nil
}

// Format is a configuration file syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the syntax from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
}

// ParseMapping extracts database_list from a whole configuration document.
// A list becomes identity pairs and an object becomes rename pairs in
// document order. ErrNoMapping is returned when the key is absent.
func ParseMapping(data []byte, format Format) (DatabaseMapping, error) {
	var (
		entries []MappingEntry
		err     error
	)
	switch format {
	case FormatJSON:
		entries, err = mappingFromJSON(data)
	case FormatYAML:
		entries, err = mappingFromYAML(data)
	case FormatTOML:
		entries, err = mappingFromTOML(data)
	default:
		return DatabaseMapping{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return DatabaseMapping{}, err
	}
	return NewMapping(entries...)
}

// ParseMappingValue parses a bare database_list value as found in the
// DATABASE_LIST variable: a JSON list or object, or comma separated names.
func ParseMappingValue(value string) (DatabaseMapping, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return DatabaseMapping{}, nil
	}
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		entries, err := jsonMappingValue(json.NewDecoder(strings.NewReader(value)))
		if err != nil {
			return DatabaseMapping{}, err
		}
		return NewMapping(entries...)
	}
	var names []string
	for _, n := range strings.Split(value, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return IdentityMapping(names...)
}

func mappingFromJSON(data []byte) ([]MappingEntry, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	raw, ok := doc[MappingKey]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, ErrNoMapping
	}
	return jsonMappingValue(json.NewDecoder(bytes.NewReader(raw)))
}

// jsonMappingValue reads one list or object token by token; decoding into a
// map would lose the order.
func jsonMappingValue(dec *json.Decoder) ([]MappingEntry, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MappingKey, err)
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '[' && delim != '{') {
		return nil, errNotListOrObject
	}

	var entries []MappingEntry
	for dec.More() {
		first, err := jsonString(dec)
		if err != nil {
			return nil, err
		}
		if delim == '[' {
			entries = append(entries, MappingEntry{Source: first, Target: first})
			continue
		}
		target, err := jsonString(dec)
		if err != nil {
			return nil, fmt.Errorf("%s: target for %q: %w", MappingKey, first, err)
		}
		entries = append(entries, MappingEntry{Source: first, Target: target})
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", MappingKey, err)
	}
	return entries, nil
}

func jsonString(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w", MappingKey, err)
	}
	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("%s entries must be strings, got %v", MappingKey, tok)
	}
	return s, nil
}

var errNotListOrObject = fmt.Errorf("%s must be either a list of database names or a mapping object", MappingKey)

func mappingFromYAML(data []byte) ([]MappingEntry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, ErrNoMapping
	}
	root := doc.Content[0]

	var value *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == MappingKey {
			value = root.Content[i+1]
			break
		}
	}
	if value == nil || value.Tag == "!!null" {
		return nil, ErrNoMapping
	}

	var entries []MappingEntry
	switch value.Kind {
	case yaml.SequenceNode:
		for _, n := range value.Content {
			if n.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%s entries must be strings (line %d)", MappingKey, n.Line)
			}
			entries = append(entries, MappingEntry{Source: n.Value, Target: n.Value})
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%s: target for %q must be a string (line %d)", MappingKey, k.Value, v.Line)
			}
			entries = append(entries, MappingEntry{Source: k.Value, Target: v.Value})
		}
	default:
		return nil, errNotListOrObject
	}
	return entries, nil
}

func mappingFromTOML(data []byte) ([]MappingEntry, error) {
	var doc map[string]interface{}
	meta, err := toml.Decode(string(data), &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	raw, ok := doc[MappingKey]
	if !ok {
		return nil, ErrNoMapping
	}

	var entries []MappingEntry
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %v", MappingKey, item)
			}
			entries = append(entries, MappingEntry{Source: s, Target: s})
		}
	case map[string]interface{}:
		// The decoded table is a map; MetaData keeps the document order.
		for _, key := range meta.Keys() {
			if len(key) != 2 || key[0] != MappingKey {
				continue
			}
			target, ok := v[key[1]].(string)
			if !ok {
				return nil, fmt.Errorf("%s: target for %q must be a string", MappingKey, key[1])
			}
			entries = append(entries, MappingEntry{Source: key[1], Target: target})
		}
	default:
		return nil, errNotListOrObject
	}
	return entries, nil
}
