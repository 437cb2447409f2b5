package synth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Render turns step output into text: strings and byte slices as is,
// Stringers through String, everything else as indented JSON.
func Render(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(b)
}

func note(f StepFailure) string {
	kind := string(f.Kind)
	if kind == "" {
		kind = "unknown"
	}
	msg := f.Error
	if msg == "" {
		msg = "no error recorded"
	}
	return fmt.Sprintf("%s: %s (%s): %s", f.Capability, f.Status, kind, msg)
}

// merge joins sections deterministically. A lone section is returned bare.
func merge(sections []Section) string {
	if len(sections) == 1 {
		return strings.TrimSpace(sections[0].Content)
	}
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, fmt.Sprintf("## %s\n\n%s", s.Capability, strings.TrimSpace(s.Content)))
	}
	return strings.Join(parts, "\n\n")
}

func relatedContext(memory []string) string {
	var b strings.Builder
	b.WriteString("Related context:")
	for _, m := range memory {
		b.WriteString("\n- ")
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(m), "\n", "\n  "))
	}
	return b.String()
}
