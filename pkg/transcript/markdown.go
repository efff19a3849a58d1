package transcript

import "strings"

// Labels names each role in exported text.
type Labels map[Role]string

// DefaultLabels are used when no labels are configured.
var DefaultLabels = Labels{
	RoleUser:  "User",
	RoleModel: "Assistant",
}

func (l Labels) label(role Role) string {
	if s, ok := l[role]; ok && s != "" {
		return s
	}
	if s, ok := DefaultLabels[role]; ok {
		return s
	}
	return string(role)
}

// Markdown renders the finalized items as "**Label**: text" paragraphs.
// Partial items are skipped.
func Markdown(items []Item, labels Labels) string {
	var b strings.Builder
	for _, it := range items {
		if it.IsPartial {
			continue
		}
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		b.WriteString("**")
		b.WriteString(labels.label(it.Role))
		b.WriteString("**: ")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return b.String()
}
