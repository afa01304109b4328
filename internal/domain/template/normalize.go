package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FieldSet selects which fields Normalize requires.
type FieldSet uint8

const (
	FieldName FieldSet = 1 << iota
	FieldDescription
	FieldDifficulty
	FieldNodes
	FieldConnections
)

const (
	// MetadataFields is what listings and manifest entries must carry.
	MetadataFields = FieldName | FieldDescription | FieldDifficulty
	// FullFields additionally requires the workflow graph.
	FullFields = MetadataFields | FieldNodes | FieldConnections
)

const maxSlugLength = 80

var slugInvalid = regexp.MustCompile(`[^a-z0-9\x{AC00}-\x{D7A3}]+`)

// now is replaced in tests.
var now = time.Now

// Slugify lower-cases name, collapses everything but ASCII letters, digits
// and Hangul syllables into single dashes and caps the result at 80 runes.
// An empty result becomes "template-<unix millis>".
func Slugify(name string) string {
	slug := slugInvalid.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if runes := []rune(slug); len(runes) > maxSlugLength {
		slug = string(runes[:maxSlugLength])
	}
	if slug == "" {
		return fmt.Sprintf("template-%d", now().UnixMilli())
	}
	return slug
}

// Normalize validates t against required and returns a copy with defaults
// filled in. t itself is not modified. Normalizing a normalized template
// returns an equal template.
func Normalize(t *Template, required FieldSet) (*Template, error) {
	if t == nil {
		return nil, &ValidationError{Field: "template", Reason: "template payload is empty"}
	}

	checks := []struct {
		field   FieldSet
		name    string
		present bool
	}{
		{FieldName, "name", t.Name != ""},
		{FieldDescription, "description", t.Description != ""},
		{FieldDifficulty, "difficulty", t.Difficulty != ""},
		{FieldNodes, "nodes", t.Nodes != nil},
		{FieldConnections, "connections", t.Connections != nil},
	}
	for _, c := range checks {
		if required&c.field != 0 && !c.present {
			return nil, &ValidationError{Field: c.name}
		}
	}

	out := *t

	if t.Difficulty != "" {
		d, ok := ParseDifficulty(string(t.Difficulty))
		if !ok {
			return nil, &ValidationError{
				Field:  "difficulty",
				Reason: fmt.Sprintf("%q is not one of Beginner, Intermediate, Advanced", t.Difficulty),
			}
		}
		out.Difficulty = d
	}

	if out.ID == "" {
		out.ID = Slugify(out.Name)
	}

	out.Tags = cleanList(t.Tags)
	out.Credentials = cleanList(t.Credentials)

	if out.HeroColor == "" {
		out.HeroColor = DefaultHeroColor
	}

	if t.EstimatedSetupMinutes != nil {
		if *t.EstimatedSetupMinutes == 0 {
			out.EstimatedSetupMinutes = nil
		} else {
			v := *t.EstimatedSetupMinutes
			out.EstimatedSetupMinutes = &v
		}
	}

	if t.Nodes != nil {
		out.Nodes = append([]json.RawMessage{}, t.Nodes...)
	}
	if t.Connections != nil {
		out.Connections = make(map[string]json.RawMessage, len(t.Connections))
		for k, v := range t.Connections {
			out.Connections[k] = v
		}
	}
	if t.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}

	return &out, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ValidID reports whether id can safely be turned into a storage key.
func ValidID(id string) bool {
	return id != "" &&
		!strings.ContainsAny(id, `/\`) &&
		!strings.Contains(id, "..")
}
