// Package prompt expands {{ name }} placeholders in serialized message sets.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Substitute replaces every {{ key }} in text (whitespace around key allowed)
// with the JSON string-literal encoding of its value, minus the quotes, so the
// result stays valid when text is JSON. Unknown placeholders are left as is.
func Substitute(text string, variables map[string]string) string {
	if len(variables) == 0 {
		return text
	}
	// One pass: substituted values are never rescanned.
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		v, ok := variables[key]
		if !ok {
			return m
		}
		return escape(v)
	})
}

// escape encodes v as a JSON string literal and strips the delimiters.
func escape(v string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail.
	_ = enc.Encode(v)
	out := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return string(out[1 : len(out)-1])
}

// SubstituteMessages serializes msgs, substitutes variables, and decodes the
// result. The input slice is not modified.
func SubstituteMessages(msgs []models.Message, variables map[string]string) ([]models.Message, error) {
	if len(variables) == 0 {
		return models.CloneMessages(msgs), nil
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	var out []models.Message
	if err := json.Unmarshal([]byte(Substitute(string(data), variables)), &out); err != nil {
		return nil, fmt.Errorf("decode substituted messages: %w", err)
	}
	return out, nil
}
