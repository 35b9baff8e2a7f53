package service

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// MissingVariableError is returned synchronously from Send when a template
// references a variable that was not provided.
type MissingVariableError struct {
	Name string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("template references undefined variable %q", e.Name)
}

// RenderTemplate substitutes {{key}} placeholders with values from vars.
// Substitution fails fast on the first placeholder without a value.
func RenderTemplate(text string, vars map[string]string) (string, error) {
	var missing *MissingVariableError
	rendered := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := strings.TrimSpace(strings.Trim(match, "{}"))
		val, ok := vars[name]
		if !ok {
			if missing == nil {
				missing = &MissingVariableError{Name: name}
			}
			return match
		}
		return val
	})
	if missing != nil {
		return "", missing
	}
	return rendered, nil
}
