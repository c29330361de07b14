package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixed_Windows(t *testing.T) {
	chunks, err := FixedSlice("abcdefghijk", 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "defg", "ghij", "jk"}, chunks)
}

func TestFixed_EmptyText(t *testing.T) {
	chunks, err := FixedSlice("", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestFixed_ExactFitHasNoTrailingWindow(t *testing.T) {
	chunks, err := FixedSlice("abcdefgh", 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh"}, chunks)
}

func TestFixed_CountsRunes(t *testing.T) {
	chunks, err := FixedSlice("héllo wörld", 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"héllo", " wörl", "d"}, chunks)
}

func TestFixed_InvalidWindow(t *testing.T) {
	for _, tc := range [][2]int{{0, 0}, {5, 5}, {5, 7}, {5, -1}} {
		_, err := Fixed("text", tc[0], tc[1])
		assert.ErrorIs(t, err, ErrInvalidWindow, "size=%d overlap=%d", tc[0], tc[1])
	}
}

func TestFixed_StopsWhenConsumerStops(t *testing.T) {
	seq, err := Fixed(strings.Repeat("x", 100), 10, 0)
	require.NoError(t, err)
	n := 0
	for range seq {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestFixed_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("chunk count follows the window formula", prop.ForAll(
		func(text string, size, overlap int) bool {
			overlap = overlap % size
			chunks, err := FixedSlice(text, size, overlap)
			if err != nil {
				return false
			}
			l := len([]rune(text))
			switch {
			case l == 0:
				return len(chunks) == 0
			case l <= overlap:
				return len(chunks) == 1
			default:
				step := size - overlap
				want := (l - overlap + step - 1) / step
				return len(chunks) == want
			}
		},
		gen.AlphaString(),
		gen.IntRange(1, 40),
		gen.IntRange(0, 39),
	))

	properties.Property("non-overlapping portions rebuild the text", prop.ForAll(
		func(text string, size, overlap int) bool {
			overlap = overlap % size
			chunks, err := FixedSlice(text, size, overlap)
			if err != nil {
				return false
			}
			var b strings.Builder
			for i, c := range chunks {
				if i == 0 {
					b.WriteString(c)
					continue
				}
				b.WriteString(string([]rune(c)[overlap:]))
			}
			return b.String() == text
		},
		gen.UnicodeString(unicode.Greek),
		gen.IntRange(1, 40),
		gen.IntRange(0, 39),
	))

	properties.TestingRun(t)
}

func TestMarkdown_NoHeadings(t *testing.T) {
	sections := Markdown("Just some text.\n\nAnother paragraph.")
	require.Len(t, sections, 1)
	assert.Equal(t, IntroductionSection, sections[0].Heading)
	assert.Equal(t, "Just some text.\n\nAnother paragraph.", sections[0].Content)
}

func TestMarkdown_IntroAndHeadings(t *testing.T) {
	doc := "Welcome.\n# Pricing\nPlans start at 10.\n## Contact\nEmail us.\n#### Not a heading\nstill contact\n"
	sections := Markdown(doc)
	require.Len(t, sections, 3)

	assert.Equal(t, IntroductionSection, sections[0].Heading)
	assert.Equal(t, "Welcome.", sections[0].Content)
	assert.Equal(t, "Pricing", sections[1].Heading)
	assert.Equal(t, "# Pricing\nPlans start at 10.", sections[1].Content)
	assert.Equal(t, "Contact", sections[2].Heading)
	assert.Contains(t, sections[2].Content, "#### Not a heading")
}

func TestMarkdown_DropsEmptyIntroduction(t *testing.T) {
	sections := Markdown("\n\n   \n# Only\nbody")
	require.Len(t, sections, 1)
	assert.Equal(t, "Only", sections[0].Heading)
}

func TestMarkdown_IgnoresHeadingsInCodeFences(t *testing.T) {
	doc := "# Setup\n```bash\n# install deps\nmake\n```\n# Usage\nrun it"
	sections := Markdown(doc)
	require.Len(t, sections, 2)
	assert.Equal(t, "Setup", sections[0].Heading)
	assert.Contains(t, sections[0].Content, "# install deps")
	assert.Equal(t, "Usage", sections[1].Heading)
}

func TestMarkdown_Properties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("n headings without leading text give n sections", prop.ForAll(
		func(n int, body string) bool {
			var b strings.Builder
			for i := 0; i < n; i++ {
				fmt.Fprintf(&b, "%s Heading %d\n%s\n", strings.Repeat("#", i%3+1), i, body)
			}
			sections := Markdown(b.String())
			if len(sections) != n {
				return false
			}
			for i, s := range sections {
				if s.Heading != fmt.Sprintf("Heading %d", i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.AlphaString(),
	))

	properties.Property("text without headings is one introduction section", prop.ForAll(
		func(body string) bool {
			sections := Markdown("intro " + body)
			return len(sections) == 1 && sections[0].Heading == IntroductionSection
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
