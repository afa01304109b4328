// Package template defines the gallery's workflow template model and the
// normalization applied to every template read from or written to storage.
package template

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// DefaultHeroColor is used when a template does not set its own.
const DefaultHeroColor = "linear-gradient(120deg, #c084fc, #60a5fa)"

type Difficulty string

const (
	Beginner     Difficulty = "Beginner"
	Intermediate Difficulty = "Intermediate"
	Advanced     Difficulty = "Advanced"
)

// ParseDifficulty matches s case-insensitively and returns the canonical value.
func ParseDifficulty(s string) (Difficulty, bool) {
	for _, d := range []Difficulty{Beginner, Intermediate, Advanced} {
		if strings.EqualFold(strings.TrimSpace(s), string(d)) {
			return d, true
		}
	}
	return "", false
}

// Template is a stored workflow definition plus the metadata the gallery
// shows for it. Nodes and Connections are nil when absent, which is allowed
// for lightweight manifest entries.
type Template struct {
	ID                    string
	Name                  string
	Description           string
	Difficulty            Difficulty
	Tags                  []string
	HeroColor             string
	Preview               string
	DiagramImage          string
	DiagramCaption        string
	Credentials           []string
	EstimatedSetupMinutes *float64
	Nodes                 []json.RawMessage
	Connections           map[string]json.RawMessage
	Settings              map[string]any
	Key                   string
	// Extra holds fields this model does not know, kept so documents survive
	// a read and write unchanged.
	Extra map[string]json.RawMessage
}

// knownFields are the JSON names decoded into Template's own fields.
var knownFields = map[string]bool{
	"id": true, "name": true, "description": true, "difficulty": true,
	"tags": true, "heroColor": true, "preview": true, "diagramImage": true,
	"diagramCaption": true, "credentials": true, "estimatedSetupMinutes": true,
	"nodes": true, "connections": true, "settings": true, "key": true,
}

// HasGraph reports whether both nodes and connections are present.
func (t *Template) HasGraph() bool {
	return t != nil && t.Nodes != nil && t.Connections != nil
}

type wireTemplate struct {
	ID                    string                      `json:"id"`
	Name                  string                      `json:"name"`
	Description           string                      `json:"description"`
	Difficulty            Difficulty                  `json:"difficulty"`
	Tags                  []string                    `json:"tags"`
	HeroColor             string                      `json:"heroColor"`
	Preview               string                      `json:"preview,omitempty"`
	DiagramImage          string                      `json:"diagramImage,omitempty"`
	DiagramCaption        string                      `json:"diagramCaption,omitempty"`
	Credentials           []string                    `json:"credentials"`
	EstimatedSetupMinutes *float64                    `json:"estimatedSetupMinutes,omitempty"`
	Nodes                 *[]json.RawMessage          `json:"nodes,omitempty"`
	Connections           *map[string]json.RawMessage `json:"connections,omitempty"`
	Settings              map[string]any              `json:"settings,omitempty"`
	Key                   string                      `json:"key,omitempty"`
}

func (t Template) MarshalJSON() ([]byte, error) {
	w := wireTemplate{
		ID:                    t.ID,
		Name:                  t.Name,
		Description:           t.Description,
		Difficulty:            t.Difficulty,
		Tags:                  t.Tags,
		HeroColor:             t.HeroColor,
		Preview:               t.Preview,
		DiagramImage:          t.DiagramImage,
		DiagramCaption:        t.DiagramCaption,
		Credentials:           t.Credentials,
		EstimatedSetupMinutes: t.EstimatedSetupMinutes,
		Settings:              t.Settings,
		Key:                   t.Key,
	}
	if w.Tags == nil {
		w.Tags = []string{}
	}
	if w.Credentials == nil {
		w.Credentials = []string{}
	}
	if t.Nodes != nil {
		w.Nodes = &t.Nodes
	}
	if t.Connections != nil {
		w.Connections = &t.Connections
	}

	data, err := json.Marshal(w)
	if err != nil || len(t.Extra) == 0 {
		return data, err
	}
	return appendExtra(data, t.Extra)
}

// appendExtra adds the unknown fields after the known ones, in key order.
func appendExtra(object []byte, extra map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		if !knownFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(object[:len(object)-1])
	for _, k := range keys {
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		value := bytes.TrimSpace(extra[k])
		if len(value) == 0 {
			value = []byte("null")
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts the loosely typed documents found in storage: tags
// and credentials of any scalar type, and setup minutes given as a number or
// a numeric string.
func (t *Template) UnmarshalJSON(data []byte) error {
	var in struct {
		ID                    flexString                  `json:"id"`
		Name                  flexString                  `json:"name"`
		Description           flexString                  `json:"description"`
		Difficulty            flexString                  `json:"difficulty"`
		Tags                  json.RawMessage             `json:"tags"`
		HeroColor             flexString                  `json:"heroColor"`
		Preview               flexString                  `json:"preview"`
		DiagramImage          flexString                  `json:"diagramImage"`
		DiagramCaption        flexString                  `json:"diagramCaption"`
		Credentials           json.RawMessage             `json:"credentials"`
		EstimatedSetupMinutes json.RawMessage             `json:"estimatedSetupMinutes"`
		Nodes                 *[]json.RawMessage          `json:"nodes"`
		Connections           *map[string]json.RawMessage `json:"connections"`
		Settings              map[string]any              `json:"settings"`
		Key                   flexString                  `json:"key"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	*t = Template{
		ID:                    string(in.ID),
		Name:                  string(in.Name),
		Description:           string(in.Description),
		Difficulty:            Difficulty(in.Difficulty),
		Tags:                  scalarList(in.Tags),
		HeroColor:             string(in.HeroColor),
		Preview:               string(in.Preview),
		DiagramImage:          string(in.DiagramImage),
		DiagramCaption:        string(in.DiagramCaption),
		Credentials:           scalarList(in.Credentials),
		EstimatedSetupMinutes: parseMinutes(in.EstimatedSetupMinutes),
		Settings:              in.Settings,
		Key:                   string(in.Key),
	}
	if in.Nodes != nil {
		t.Nodes = *in.Nodes
	}
	if in.Connections != nil {
		t.Connections = *in.Connections
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if t.Extra == nil {
			t.Extra = make(map[string]json.RawMessage)
		}
		t.Extra[k] = v
	}
	return nil
}

// flexString decodes strings as-is, numbers and booleans as their text form
// and anything else as "".
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	*f = flexString(scalarText(data))
	return nil
}

func scalarText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case 't', 'f':
		return string(raw)
	case 'n', '{', '[':
		return ""
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return ""
		}
		return n.String()
	}
}

// scalarList turns a JSON array into trimmed, non-empty strings. A value that
// is not an array yields an empty list.
func scalarList(raw json.RawMessage) []string {
	out := []string{}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return out
	}
	for _, item := range items {
		if s := strings.TrimSpace(scalarText(item)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseMinutes returns nil for a missing, zero, empty or non-numeric value.
func parseMinutes(raw json.RawMessage) *float64 {
	s := strings.TrimSpace(scalarText(raw))
	if s == "" || s == "true" || s == "false" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v == 0 {
		return nil
	}
	return &v
}
