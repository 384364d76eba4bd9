// Package mapping resolves which source column feeds each required lead field.
package mapping

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/lead-converter/internal/model"
)

// canonical folds a column header into the form required field names use:
// NFC-normalized, lowercased, spaces replaced by underscores.
func canonical(s string) string {
	return strings.ReplaceAll(strings.ToLower(norm.NFC.String(s)), " ", "_")
}

// Suggest proposes a column for every required field whose canonical header
// equals the field name. Fields without a match map to "". The first matching
// column wins.
func Suggest(columns, required []string) map[string]string {
	out := make(map[string]string, len(required))
	for _, field := range required {
		out[field] = ""
		want := canonical(field)
		for _, col := range columns {
			if canonical(col) == want {
				out[field] = col
				break
			}
		}
	}
	return out
}

// Merge layers selections: later maps override earlier ones. A blank value in
// a later map clears the field.
func Merge(base map[string]string, overrides ...map[string]string) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, o := range overrides {
		for k, v := range o {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// Resolve confirms a selection against the input columns. Every required
// field must name a column present in columns; otherwise a
// *model.MappingIncompleteError lists every offending field. Neither columns
// nor selection is modified.
func Resolve(columns, required []string, selection map[string]string) (model.FieldMapping, error) {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	var unmapped []string
	unknown := map[string]string{}
	resolved := make(map[string]string, len(required))
	for _, field := range required {
		col := strings.TrimSpace(selection[field])
		switch {
		case col == "":
			unmapped = append(unmapped, field)
		case !present[col]:
			unknown[field] = col
		default:
			resolved[field] = col
		}
	}

	if len(unmapped) > 0 || len(unknown) > 0 {
		if len(unknown) == 0 {
			unknown = nil
		}
		return model.FieldMapping{}, &model.MappingIncompleteError{Unmapped: unmapped, Unknown: unknown}
	}
	return model.NewFieldMapping(resolved), nil
}

// LoadOverrides reads a YAML document of field: column pairs, optionally
// nested under a top-level "mapping" key. Unknown field names are rejected.
func LoadOverrides(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read %s", path)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "mapping: parse yaml")
	}
	if nested, ok := doc["mapping"].(map[string]any); ok {
		doc = nested
	}

	out := make(map[string]string, len(doc))
	for field, v := range doc {
		if !model.IsRequiredField(field) {
			return nil, eris.Errorf("mapping: unknown field %q", field)
		}
		col, ok := v.(string)
		if !ok && v != nil {
			return nil, eris.Errorf("mapping: column for %q must be a string", field)
		}
		out[field] = col
	}
	return out, nil
}

// ParsePairs parses field=Column arguments as given on the command line.
func ParsePairs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		field, col, ok := strings.Cut(p, "=")
		field = strings.TrimSpace(field)
		if !ok || field == "" {
			return nil, eris.Errorf("mapping: invalid pair %q (want field=Column)", p)
		}
		if !model.IsRequiredField(field) {
			return nil, eris.Errorf("mapping: unknown field %q", field)
		}
		out[field] = strings.TrimSpace(col)
	}
	return out, nil
}
