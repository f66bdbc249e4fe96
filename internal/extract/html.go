package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/editalwatch/discovery/internal/crawler"
)

const strippedSelector = "script, style, noscript, iframe, template, svg"

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "fieldset": true, "figcaption": true,
	"figure": true, "footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true, "li": true,
	"main": true, "nav": true, "ol": true, "p": true, "pre": true, "section": true,
	"table": true, "td": true, "th": true, "tr": true, "ul": true,
}

// ParseHTML decodes body using the charset declared in contentType or the
// document itself and returns a goquery document.
func ParseHTML(body []byte, contentType string) (*goquery.Document, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: html charset: %w", crawler.ErrParse, err)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: html: %w", crawler.ErrParse, err)
	}
	return doc, nil
}

// HTMLText strips non-content nodes and flattens the document to text, one
// block per line with whitespace runs collapsed.
func HTMLText(doc *goquery.Document) string {
	doc.Find(strippedSelector).Remove()

	var sb strings.Builder
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	for _, n := range root.Nodes {
		flatten(&sb, n)
	}
	return collapseLines(sb.String())
}

func flatten(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}
	block := n.Type == html.ElementNode && blockElements[n.Data]
	if block {
		sb.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		flatten(sb, c)
	}
	if block {
		sb.WriteByte('\n')
	}
}
