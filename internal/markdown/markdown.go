// Package markdown renders ordered page results into a single Markdown
// document. Pure and stateless; it switches on result status, never on text
// contents.
package markdown

import (
	"strconv"
	"strings"

	"github.com/toricodesthings/pdf-markdown-service/internal/pipeline"
)

// Format produces the final document: a title heading, then one "## Page N"
// block per result closed by a horizontal rule. Pages with errors get an
// italic error note; pages without text get an italic placeholder.
func Format(results []pipeline.PageResult, title string) string {
	if title == "" {
		title = "Document"
	}

	var b strings.Builder
	b.WriteString("# " + title + "\n\n")

	for _, r := range results {
		b.WriteString("## Page ")
		b.WriteString(strconv.Itoa(r.Page))
		b.WriteString("\n\n")

		switch {
		case r.Status == pipeline.StatusSuccess && r.Text != "":
			b.WriteString(r.Text)
			b.WriteString("\n\n")
		case r.Status == pipeline.StatusError:
			b.WriteString("*Error extracting text: " + r.Error + "*\n\n")
		default:
			b.WriteString("*No text extracted*\n\n")
		}

		b.WriteString("---\n\n")
	}

	return b.String()
}

// TitleFromFilename derives a document title from an uploaded file name:
// the .pdf suffix dropped, underscores to spaces, words title-cased.
func TitleFromFilename(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		name = name[:len(name)-len(".pdf")]
	}
	name = strings.ReplaceAll(name, "_", " ")

	words := strings.Fields(name)
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 {
			words[i] = strings.ToUpper(string(r[0])) + string(r[1:])
		}
	}
	if len(words) == 0 {
		return "Document"
	}
	return strings.Join(words, " ")
}
