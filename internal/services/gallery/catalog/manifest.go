package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/linkflow-go/gallery/internal/domain/template"
)

var errEmptyManifest = errors.New("manifest lists no templates")

func isYAML(key string) bool {
	ext := strings.ToLower(path.Ext(key))
	return ext == ".yaml" || ext == ".yml"
}

// parseManifest accepts {"templates": [...]} or a bare array, as JSON or,
// for .yaml/.yml keys, YAML. Entries are returned undecoded.
func parseManifest(key, body string) ([]json.RawMessage, error) {
	data := []byte(body)
	if isYAML(key) {
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml manifest: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml manifest: %w", err)
		}
		data = converted
	}

	data = bytes.TrimSpace(data)
	var entries []json.RawMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
	} else {
		var doc struct {
			Templates []json.RawMessage `json:"templates"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode manifest: %w", err)
		}
		entries = doc.Templates
	}

	if len(entries) == 0 {
		return nil, errEmptyManifest
	}
	return entries, nil
}

// manifestEntry is the metadata subset of a template kept in the manifest.
func manifestEntry(t *template.Template, key string) *template.Template {
	return &template.Template{
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
		Key:                   key,
	}
}

// encodeManifest writes entries in the format implied by key.
func encodeManifest(key string, entries []*template.Template) (string, string, error) {
	doc := struct {
		Templates []*template.Template `json:"templates"`
	}{Templates: entries}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode manifest: %w", err)
	}
	if !isYAML(key) {
		return string(data), "application/json", nil
	}

	// Round trip through a generic value so YAML keys match the JSON field names.
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", "", fmt.Errorf("encode manifest: %w", err)
	}
	out, err := yaml.Marshal(generic)
	if err != nil {
		return "", "", fmt.Errorf("encode yaml manifest: %w", err)
	}
	return string(out), "application/yaml", nil
}
