// Package visual decides when a reply gets a chart, renders it and stores
// the resulting image.
package visual

import "strings"

// IntentKind tags what the user asked for.
type IntentKind string

const (
	IntentText          IntentKind = "text"
	IntentVisualization IntentKind = "visualization"
)

var visualPrefixes = []string{"plot:", "chart:"}

// Intent is the classified request. Subject is the text after the prefix
// and may be empty.
type Intent struct {
	Kind    IntentKind
	Subject string
}

// Visual reports whether a chart should be produced.
func (i Intent) Visual() bool {
	return i.Kind == IntentVisualization
}

// Classify inspects a user message. Only an explicit "plot:" or "chart:"
// prefix (any case, leading whitespace ignored) asks for a chart; words like
// "plot" elsewhere in the text do not.
func Classify(text string) Intent {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	lower := strings.ToLower(trimmed)
	for _, prefix := range visualPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return Intent{
				Kind:    IntentVisualization,
				Subject: strings.TrimSpace(trimmed[len(prefix):]),
			}
		}
	}
	return Intent{Kind: IntentText}
}
