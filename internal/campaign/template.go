package campaign

import "strings"

// Render substitutes recipient fields into the message template.
//
// Substitution is literal placeholder replacement: {{name}} and {{phone}}.
// Unresolvable placeholders pass through unchanged; this is not a template
// language.
func Render(template string, r Recipient) string {
	rep := strings.NewReplacer(
		"{{name}}", r.Name,
		"{{phone}}", r.Address,
	)
	return rep.Replace(template)
}
