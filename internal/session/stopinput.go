package session

import (
	"strings"
	"text/template"
)

// renderStopInputPrompt interpolates a stop-input prompt's {{.var}} template
// placeholders (e.g. {{.session_id}}), the same text/template mechanism internal/agent/commands.go
// uses for slash-command bodies. Unknown variables render as an empty
// string rather than failing the injection; a malformed template falls back
// to the raw prompt text unchanged.
func renderStopInputPrompt(prompt string, vars map[string]string) string {
	tmpl, err := template.New("stopinput").Option("missingkey=zero").Parse(prompt)
	if err != nil {
		return prompt
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, vars); err != nil {
		return prompt
	}
	return buf.String()
}
