package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/victorchrollo14/agent0-sub000/pkg/models"
)

func TestSubstituteEscapeSafe(t *testing.T) {
	out := Substitute(`{"a":"{{x}}"}`, map[string]string{"x": `hi"there`})

	var parsed map[string]string
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("result is not valid JSON: %v (%s)", err, out)
	}
	if parsed["a"] != `hi"there` {
		t.Fatalf("a = %q", parsed["a"])
	}
}

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name string
		text string
		vars map[string]string
		want string
	}{
		{"whitespace tolerated", `{{ name }} and {{name}} and {{  name}}`, map[string]string{"name": "bo"}, "bo and bo and bo"},
		{"unresolved kept", `hello {{missing}}`, map[string]string{"name": "x"}, "hello {{missing}}"},
		{"newline escaped", `{{v}}`, map[string]string{"v": "a\nb"}, `a\nb`},
		{"backslash escaped", `{{v}}`, map[string]string{"v": `C:\dir`}, `C:\\dir`},
		{"html left alone", `{{v}}`, map[string]string{"v": "<b>&</b>"}, "<b>&</b>"},
		{"regex metachar key", `{{a.b}} {{aXb}}`, map[string]string{"a.b": "1"}, "1 {{aXb}}"},
		{"dollar in value", `{{v}}`, map[string]string{"v": "$1"}, "$1"},
		{"no variables", `{{v}}`, nil, "{{v}}"},
		{"value not rescanned", `{{ x }}`, map[string]string{"x": "{{y}}", "y": "SECRET"}, "{{y}}"},
		{"value not rescanned reversed", `{{ y }}`, map[string]string{"y": "{{x}}", "x": "SECRET"}, "{{x}}"},
		{"values swap", `{{a}}-{{b}}`, map[string]string{"a": "{{b}}", "b": "{{a}}"}, "{{b}}-{{a}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Substitute(tt.text, tt.vars); got != tt.want {
				t.Errorf("Substitute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSubstituteMessagesRepeatedPlaceholder(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "You help {{ user }}."},
		{Role: models.RoleUser, Content: `Hi, I am {{user}}. Say "{{ user }}".`},
	}
	value := "Ann \"the\" \\ <dev>\n"
	out, err := SubstituteMessages(msgs, map[string]string{"user": value})
	if err != nil {
		t.Fatalf("SubstituteMessages() error = %v", err)
	}
	if out[0].Content != "You help "+value+"." {
		t.Errorf("system = %q", out[0].Content)
	}
	if strings.Count(out[1].Content, value) != 2 {
		t.Errorf("user = %q, want value twice", out[1].Content)
	}
	if msgs[0].Content != "You help {{ user }}." {
		t.Error("input messages were modified")
	}
}
