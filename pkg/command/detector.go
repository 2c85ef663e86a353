package command

import (
	"regexp"
	"strings"
	"unicode/utf16"
)

// ReferenceKind distinguishes a bare mention from a mention carrying a command.
type ReferenceKind string

const (
	// KindCommand is a mention followed by command text.
	KindCommand ReferenceKind = "command"
	// KindMention is a bare mention with no trailing text.
	KindMention ReferenceKind = "mention"
)

// Reference is one detected mention occurrence in a block of text. Span
// indices count UTF-16 code units of the source text, matching the upstream
// tracker's string indexing.
type Reference struct {
	RawText    string        `json:"raw_text"`
	SpanStart  int           `json:"span_start"`
	SpanEnd    int           `json:"span_end"`
	SourceText string        `json:"source_text"`
	Kind       ReferenceKind `json:"kind"`
	Command    *Command      `json:"command,omitempty"`
}

// Detector scans free-form text for occurrences of a mention marker.
// Detection is a pure pass over the input: no match state is retained
// between calls.
type Detector struct {
	marker   string
	markerRe *regexp.Regexp
}

// NewDetector creates a detector for the given mention marker (e.g. "@bot").
// Matching is case-insensitive.
func NewDetector(marker string) *Detector {
	return &Detector{
		marker:   marker,
		markerRe: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(marker)),
	}
}

// Marker returns the configured mention marker.
func (d *Detector) Marker() string {
	return d.marker
}

// HasReference reports whether text contains at least one mention marker.
func (d *Detector) HasReference(text string) bool {
	return d.markerRe.MatchString(text)
}

// Detect returns all references in text, ordered by span start. Each
// reference covers its marker and all following characters up to the next
// marker or end of string, so multiple commands in one block are captured
// whole without overlap.
func (d *Detector) Detect(text string) []Reference {
	starts := d.markerRe.FindAllStringIndex(text, -1)
	if len(starts) == 0 {
		return nil
	}

	refs := make([]Reference, 0, len(starts))
	for i, loc := range starts {
		begin := loc[0]
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}

		raw := text[begin:end]
		body := strings.TrimSpace(raw[loc[1]-loc[0]:])

		ref := Reference{
			RawText:    raw,
			SpanStart:  utf16Len(text[:begin]),
			SpanEnd:    utf16Len(text[:end]),
			SourceText: text,
			Kind:       KindMention,
		}
		if body != "" {
			cmd := Parse(body)
			ref.Kind = KindCommand
			ref.Command = &cmd
		}
		refs = append(refs, ref)
	}
	return refs
}

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}
