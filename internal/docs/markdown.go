package docs

import (
	"regexp"
	"strings"
)

// Renderer translates markdown into provider blocks. It is the only place
// that knows the provider's content format; swapping the document provider
// means swapping this seam.
type Renderer interface {
	Render(markdown string) []Block
}

// MarkdownRenderer is a line-oriented markdown translator covering the
// structures LLM output actually uses: headings, bulleted and numbered
// lists, quotes, horizontal rules and plain paragraphs. Inline emphasis
// markers are stripped rather than styled.
type MarkdownRenderer struct{}

var (
	numberedRe = regexp.MustCompile(`^\d+[.)]\s+`)
	emphasisRe = regexp.MustCompile(`(\*\*|__|\*|_|` + "`" + `)`)
)

// Render translates markdown into blocks, one block per logical line.
// Consecutive plain lines merge into a single paragraph.
func (MarkdownRenderer) Render(markdown string) []Block {
	var (
		blocks []Block
		para   []string
	)
	flush := func() {
		if len(para) > 0 {
			blocks = append(blocks, Paragraph(strings.Join(para, " ")))
			para = nil
		}
	}
	for _, line := range strings.Split(markdown, "\n") {
		line = strings.TrimRight(line, " \t")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flush()
		case trimmed == "---" || trimmed == "***" || trimmed == "___":
			flush()
			blocks = append(blocks, Divider())
		case strings.HasPrefix(trimmed, "### "):
			flush()
			blocks = append(blocks, Heading3(clean(trimmed[4:])))
		case strings.HasPrefix(trimmed, "## "):
			flush()
			blocks = append(blocks, Heading2(clean(trimmed[3:])))
		case strings.HasPrefix(trimmed, "# "):
			flush()
			blocks = append(blocks, Heading1(clean(trimmed[2:])))
		case strings.HasPrefix(trimmed, "> "):
			flush()
			blocks = append(blocks, Quote(clean(trimmed[2:])))
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			flush()
			blocks = append(blocks, Bullet(clean(trimmed[2:])))
		case numberedRe.MatchString(trimmed):
			flush()
			blocks = append(blocks, Numbered(clean(numberedRe.ReplaceAllString(trimmed, ""))))
		default:
			para = append(para, clean(trimmed))
		}
	}
	flush()
	return blocks
}

func clean(s string) string {
	return strings.TrimSpace(emphasisRe.ReplaceAllString(s, ""))
}
