package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/extract/extracttest"
)

func TestDetect(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		res  crawler.FetchResult
		want crawler.Format
	}{
		{"pdf header", crawler.FetchResult{ContentType: "application/pdf"}, crawler.FormatPDF},
		{"html header with charset", crawler.FetchResult{ContentType: "text/html; charset=ISO-8859-1"}, crawler.FormatHTML},
		{"xhtml", crawler.FetchResult{ContentType: "application/xhtml+xml"}, crawler.FormatHTML},
		{"plain", crawler.FetchResult{ContentType: "text/plain"}, crawler.FormatText},
		{"octet stream pdf suffix", crawler.FetchResult{ContentType: "application/octet-stream", URL: "https://x/Edital.PDF"}, crawler.FormatPDF},
		{"final url wins over url", crawler.FetchResult{URL: "https://x/download?id=1", FinalURL: "https://x/files/e.pdf"}, crawler.FormatPDF},
		{"magic bytes", crawler.FetchResult{URL: "https://x/download", Body: []byte("\n%PDF-1.7")}, crawler.FormatPDF},
		{"default html", crawler.FetchResult{URL: "https://x/concursos"}, crawler.FormatHTML},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Detect(tc.res))
		})
	}
}

func TestExtractHTMLStripsNonContent(t *testing.T) {
	t.Parallel()

	body := `<html><head><title>t</title><style>p{color:red}</style></head><body>
<script>var edital = "nao";</script><noscript>ative o js</noscript>
<iframe src="x">frame</iframe>
<h1>Concurso   Público</h1><p>Edital   de abertura n.º 01/2024 para provimento de cargos.</p>
<ul><li>Inscrições até 10/05</li><li>Prova em 20/06</li></ul></body></html>`
	doc, err := New(10).Extract(crawler.FetchResult{ContentType: "text/html", Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, crawler.FormatHTML, doc.Format)
	require.Equal(t, "Concurso Público\nEdital de abertura n.º 01/2024 para provimento de cargos.\nInscrições até 10/05\nProva em 20/06", doc.Text)
	require.NotContains(t, doc.Text, "nao")
	require.NotContains(t, doc.Text, "ative o js")
	require.NotContains(t, doc.Text, "frame")
}

func TestExtractHTMLLatin1(t *testing.T) {
	t.Parallel()

	body := []byte("<html><body><p>Edital de Retifica\xe7\xe3o do concurso p\xfablico estadual de 2024</p></body></html>")
	doc, err := New(10).Extract(crawler.FetchResult{ContentType: "text/html; charset=iso-8859-1", Body: body})
	require.NoError(t, err)
	require.Equal(t, "Edital de Retificação do concurso público estadual de 2024", doc.Text)
}

func TestExtractInsufficientContent(t *testing.T) {
	t.Parallel()

	doc, err := New(0).Extract(crawler.FetchResult{ContentType: "text/html", Body: []byte("<p>curto</p>")})
	require.ErrorIs(t, err, crawler.ErrInsufficientContent)
	require.Equal(t, "curto", doc.Text)
}

func TestExtractText(t *testing.T) {
	t.Parallel()

	doc, err := New(5).Extract(crawler.FetchResult{ContentType: "text/plain", Body: []byte("linha  um\r\n\r\nlinha dois")})
	require.NoError(t, err)
	require.Equal(t, "linha um\nlinha dois", doc.Text)
}

func TestExtractPDF(t *testing.T) {
	t.Parallel()

	pdf := extracttest.TextPDF(
		"EDITAL DE ABERTURA N. 01/2024\nLingua Portuguesa: interpretacao de textos",
		"Matematica: razao e proporcao\nConhecimentos Especificos: legislacao",
	)
	doc, err := New(20).Extract(crawler.FetchResult{ContentType: "application/pdf", Body: pdf})
	require.NoError(t, err)
	require.Equal(t, crawler.FormatPDF, doc.Format)
	require.Len(t, doc.Pages, 2)
	require.Equal(t, "EDITAL DE ABERTURA N. 01/2024\nLingua Portuguesa: interpretacao de textos", doc.Pages[0])
	require.True(t, strings.HasSuffix(doc.Text, "Conhecimentos Especificos: legislacao"))
	require.Equal(t, doc.Pages[0]+"\n"+doc.Pages[1], doc.Text)
}

func TestExtractMalformedPDF(t *testing.T) {
	t.Parallel()

	_, err := New(0).Extract(crawler.FetchResult{ContentType: "application/pdf", Body: []byte("%PDF-1.4 garbage")})
	require.ErrorIs(t, err, crawler.ErrParse)
}

func TestContentText(t *testing.T) {
	t.Parallel()

	stream := []byte(`BT /F1 12 Tf 72 720 Td (Edital \(retificado\)) Tj
0 -14 Td [(Abert) -20 (ura)] TJ
(Cargo: T\351cnico) '
/Span << /MCID 0 >> BDC 0 -14 Td <4F6C61> Tj EMC
% comment (ignored) Tj
T* (n\303\255vel) Tj ET`)
	got := collapseLines(contentText(stream))
	require.Equal(t, "Edital (retificado)\nAbertura\nCargo: Técnico\nOla\nnível", got)
}

func TestReadLiteralNested(t *testing.T) {
	t.Parallel()

	s, next := readLiteral([]byte(`(a (b) c\)d) Tj`), 0)
	require.Equal(t, "a (b) c)d", s)
	require.Equal(t, 12, next)
}
