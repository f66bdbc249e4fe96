package extract

import (
	"bytes"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/editalwatch/discovery/internal/crawler"
)

// Detect decides the document format from the content-type header, then the
// URL suffix, then the %PDF signature. Anything else is treated as HTML.
func Detect(res crawler.FetchResult) crawler.Format {
	if f, ok := fromContentType(res.ContentType); ok {
		return f
	}
	for _, raw := range []string{res.FinalURL, res.URL} {
		if f, ok := fromURL(raw); ok {
			return f
		}
	}
	if bytes.HasPrefix(bytes.TrimLeft(res.Body, " \t\r\n"), []byte("%PDF")) {
		return crawler.FormatPDF
	}
	return crawler.FormatHTML
}

func fromContentType(contentType string) (crawler.Format, bool) {
	if contentType == "" {
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch mediaType {
	case "application/pdf", "application/x-pdf":
		return crawler.FormatPDF, true
	case "text/html", "application/xhtml+xml":
		return crawler.FormatHTML, true
	case "text/plain":
		return crawler.FormatText, true
	default:
		// application/octet-stream and friends say nothing useful.
		return "", false
	}
}

func fromURL(raw string) (crawler.Format, bool) {
	if raw == "" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".pdf":
		return crawler.FormatPDF, true
	case ".htm", ".html", ".xhtml":
		return crawler.FormatHTML, true
	case ".txt":
		return crawler.FormatText, true
	default:
		return "", false
	}
}
