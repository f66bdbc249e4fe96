package extract

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/editalwatch/discovery/internal/crawler"
)

// PDFPages returns the text of each page in page order. Pages without
// extractable text yield an empty string so indexes match page numbers - 1.
func PDFPages(body []byte) ([]string, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(body), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: pdf read: %w", crawler.ErrParse, err)
	}
	pages := make([]string, 0, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		pages = append(pages, pageText(ctx, pageNr))
	}
	return pages, nil
}

func pageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	return collapseLines(contentText(data))
}

// contentText walks a decoded content stream and emits the operands of the
// text-showing operators. Positioning operators that move to a new line
// become line breaks.
func contentText(data []byte) string {
	var (
		sb      strings.Builder
		pending []string
	)
	flush := func() {
		for _, s := range pending {
			sb.WriteString(s)
		}
		pending = pending[:0]
	}
	for i := 0; i < len(data); {
		c := data[i]
		switch {
		case c == '(':
			s, next := readLiteral(data, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(data) && data[i+1] == '<':
			i += 2
		case c == '<':
			end := bytes.IndexByte(data[i:], '>')
			if end == -1 {
				return sb.String()
			}
			pending = append(pending, readHex(data[i+1:i+end]))
			i += end + 1
		case c == '%':
			for i < len(data) && data[i] != '\n' && data[i] != '\r' {
				i++
			}
		case isOperatorByte(c):
			start := i
			for i < len(data) && isOperatorByte(data[i]) {
				i++
			}
			switch string(data[start:i]) {
			case "Tj", "TJ":
				flush()
			case "'", "\"":
				sb.WriteByte('\n')
				flush()
			case "T*", "Td", "TD", "Tm", "ET":
				pending = pending[:0]
				sb.WriteByte('\n')
			default:
				pending = pending[:0]
			}
		default:
			i++
		}
	}
	return sb.String()
}

func isOperatorByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '*' || c == '\'' || c == '"'
}

// readLiteral decodes a balanced literal string starting at data[start] == '('.
func readLiteral(data []byte, start int) (string, int) {
	var out []byte
	depth := 0
	i := start
	for i < len(data) {
		c := data[i]
		switch {
		case c == '\\' && i+1 < len(data):
			i++
			switch e := data[i]; e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b', 'f':
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for k := 0; k < 2 && i+1 < len(data) && data[i+1] >= '0' && data[i+1] <= '7'; k++ {
						i++
						val = val*8 + int(data[i]-'0')
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		case c == '(':
			if depth > 0 {
				out = append(out, c)
			}
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return decodeBytes(out), i + 1
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
		i++
	}
	return decodeBytes(out), i
}

func readHex(raw []byte) string {
	clean := bytes.Map(func(r rune) rune {
		if strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return r
		}
		return -1
	}, raw)
	if len(clean)%2 == 1 {
		clean = append(clean, '0')
	}
	b, err := hex.DecodeString(string(clean))
	if err != nil {
		return ""
	}
	// Two-byte CID glyph codes are not text without the font's CMap.
	for _, c := range b {
		if c == 0 {
			return ""
		}
	}
	return decodeBytes(b)
}
