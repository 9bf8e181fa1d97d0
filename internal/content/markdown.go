package content

import (
	"fmt"
	"slices"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// WarnUnclosedFence is recorded when Format closes a dangling code fence.
const WarnUnclosedFence = "closed unterminated code fence"

// MarkdownFormatter normalizes markdown and extracts its structure.
// It is safe for concurrent use.
type MarkdownFormatter struct {
	md goldmark.Markdown
}

// NewMarkdownFormatter returns a formatter backed by a CommonMark parser.
func NewMarkdownFormatter() *MarkdownFormatter {
	return &MarkdownFormatter{md: goldmark.New()}
}

// Format normalizes line endings and blank lines, closes an unterminated
// code fence and counts the structural elements of the result.
func (f *MarkdownFormatter) Format(input string) (Formatted, error) {
	normalized, warnings := normalize(input)
	src := []byte(normalized)
	doc := f.md.Parser().Parse(text.NewReader(src))

	var meta Metadata
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			meta.Headings++
		case *ast.FencedCodeBlock:
			meta.CodeBlocks++
			if lang := string(node.Language(src)); lang != "" && !slices.Contains(meta.Languages, lang) {
				meta.Languages = append(meta.Languages, lang)
			}
		case *ast.CodeBlock:
			meta.CodeBlocks++
		case *ast.List:
			meta.Lists++
		case *ast.ListItem:
			meta.ListItems++
		case *ast.Paragraph:
			meta.Paragraphs++
		case *ast.Link, *ast.AutoLink:
			meta.Links++
		case *ast.Emphasis:
			meta.Emphasis++
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Formatted{}, fmt.Errorf("walk markdown: %w", err)
	}
	meta.Words = len(strings.Fields(normalized))

	return Formatted{Content: normalized, Metadata: meta, Warnings: warnings}, nil
}

// normalize rewrites text line by line. Runs of blank lines outside code
// collapse to one; trailing whitespace is dropped everywhere.
func normalize(input string) (string, []string) {
	input = strings.ReplaceAll(input, "\r\n", "\n")
	input = strings.ReplaceAll(input, "\r", "\n")

	lines := strings.Split(input, "\n")
	out := make([]string, 0, len(lines))
	var (
		fence  string
		blanks int
	)
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")

		if marker, rest, ok := fenceMarker(line); ok {
			switch {
			case fence == "":
				fence = marker
			case marker[0] == fence[0] && len(marker) >= len(fence) && strings.TrimSpace(rest) == "":
				fence = ""
			}
		}

		if line == "" && fence == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}

	result := strings.Trim(strings.Join(out, "\n"), "\n")
	var warnings []string
	if fence != "" {
		result += "\n" + fence
		warnings = append(warnings, WarnUnclosedFence)
	}
	return result, warnings
}

// fenceMarker reports whether line opens or closes a fenced code block and
// returns the fence run and whatever follows it.
func fenceMarker(line string) (string, string, bool) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || len(trimmed) < 3 {
		return "", "", false
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return "", "", false
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == c {
		n++
	}
	if n < 3 {
		return "", "", false
	}
	return trimmed[:n], trimmed[n:], true
}
