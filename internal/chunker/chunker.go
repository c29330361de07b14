// Package chunker splits source text into retrievable units.
//
// Two strategies are provided: a fixed-size sliding window over characters and a
// markdown splitter that cuts on level 1-3 headings.
package chunker

import (
	"errors"
	"fmt"
	"iter"
	"regexp"
	"strings"
)

// IntroductionSection labels text that appears before the first heading.
const IntroductionSection = "Introduction"

var ErrInvalidWindow = errors.New("chunker: invalid window")

var headingPattern = regexp.MustCompile(`^#{1,3}[ \t]+(.+?)[ \t#]*$`)

// Section is one markdown block together with the heading it appeared under.
type Section struct {
	Heading string
	Content string
}

// Fixed returns the windows of size characters over text, stepping by size-overlap.
// The last window may be shorter. Empty text yields nothing.
func Fixed(text string, size, overlap int) (iter.Seq[string], error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidWindow, size, overlap)
	}
	runes := []rune(text)
	step := size - overlap

	return func(yield func(string) bool) {
		for start := 0; start < len(runes); start += step {
			end := min(start+size, len(runes))
			if !yield(string(runes[start:end])) {
				return
			}
			if end == len(runes) {
				return
			}
		}
	}, nil
}

// FixedSlice collects Fixed into a slice.
func FixedSlice(text string, size, overlap int) ([]string, error) {
	seq, err := Fixed(text, size, overlap)
	if err != nil {
		return nil, err
	}
	var out []string
	for c := range seq {
		out = append(out, c)
	}
	return out, nil
}

// Markdown splits text on heading lines. Each section keeps its heading line as the
// first line of its content. Headings inside fenced code blocks are ignored.
func Markdown(text string) []Section {
	var (
		sections []Section
		heading  = IntroductionSection
		buf      strings.Builder
		inFence  bool
	)

	flush := func() {
		content := strings.TrimSpace(buf.String())
		buf.Reset()
		if content == "" {
			return
		}
		sections = append(sections, Section{Heading: heading, Content: content})
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if strings.HasPrefix(strings.TrimSpace(trimmed), "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingPattern.FindStringSubmatch(trimmed); m != nil {
				flush()
				heading = strings.TrimSpace(m[1])
			}
		}
		buf.WriteString(trimmed)
		buf.WriteByte('\n')
	}
	flush()

	return sections
}
