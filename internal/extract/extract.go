// Package extract classifies fetched documents and turns them into plain text.
package extract

import (
	"fmt"
	"strings"

	"github.com/editalwatch/discovery/internal/crawler"
)

// DefaultMinChars is the shortest text accepted as a usable document.
const DefaultMinChars = 50

// Extractor turns fetch results into plain text.
type Extractor struct {
	MinChars int
}

// New returns an Extractor with the given minimum length in characters.
func New(minChars int) *Extractor {
	if minChars <= 0 {
		minChars = DefaultMinChars
	}
	return &Extractor{MinChars: minChars}
}

// Extract detects the format of res and extracts its text. Malformed
// documents fail with crawler.ErrParse; text shorter than MinChars fails with
// crawler.ErrInsufficientContent and still returns what was extracted.
func (e *Extractor) Extract(res crawler.FetchResult) (crawler.ExtractedDocument, error) {
	doc := crawler.ExtractedDocument{Format: Detect(res)}
	switch doc.Format {
	case crawler.FormatPDF:
		pages, err := PDFPages(res.Body)
		if err != nil {
			return doc, err
		}
		doc.Pages = pages
		nonEmpty := make([]string, 0, len(pages))
		for _, p := range pages {
			if p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		doc.Text = strings.Join(nonEmpty, "\n")
	case crawler.FormatText:
		doc.Text = collapseLines(decodeBytes(res.Body))
	default:
		parsed, err := ParseHTML(res.Body, res.ContentType)
		if err != nil {
			return doc, err
		}
		doc.Text = HTMLText(parsed)
	}

	if n := runeLen(doc.Text); n < e.MinChars {
		return doc, fmt.Errorf("%w: %d characters, need %d", crawler.ErrInsufficientContent, n, e.MinChars)
	}
	return doc, nil
}
