package promptstyle

import "strings"

const marker = "CONTENTFORGE_PROMPT_STYLE_V1"

// ApplySystem prepends a short guidance block to system prompts. Applying it twice is a no-op.
func ApplySystem(system string, mode string) string {
	base := strings.TrimSpace(system)
	if base == "" {
		return base
	}
	if strings.Contains(base, marker) {
		return base
	}
	mode = strings.ToLower(strings.TrimSpace(mode))

	taskSummary := ""
	for _, line := range strings.Split(base, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			taskSummary = trimmed
			break
		}
	}

	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\nYou are a careful writing and analysis assistant for a content studio.")
	if taskSummary != "" {
		b.WriteString("\nTask summary: " + taskSummary)
	}
	b.WriteString("\nFollow the system and user instructions precisely.")
	b.WriteString("\nUse provided reference material as grounding; do not invent facts, statistics or citations.")
	switch mode {
	case "json":
		b.WriteString("\nReturn a single JSON object that conforms to the schema and contains no extra keys.")
	case "markdown":
		b.WriteString("\nReturn only the requested Markdown document, with no preamble.")
	default:
		b.WriteString("\nBe concise and structured when helpful.")
	}
	b.WriteString("\n---\n")
	b.WriteString(base)
	return strings.TrimSpace(b.String())
}
