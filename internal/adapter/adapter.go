package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/extract"
	"github.com/editalwatch/discovery/internal/normalize"
)

// Fetcher is the run-scoped transport an adapter drives.
type Fetcher interface {
	FetchWithFallback(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResult, error)
}

// ContestCandidate is one announcement link discovered on a listing page.
type ContestCandidate struct {
	Title string
	URL   string
}

// Result is what one entry URL yields.
type Result struct {
	EntryURL    string
	Contests    []ContestCandidate
	DocumentURL string
	Format      crawler.Format
	Buckets     []crawler.SubjectBucket
	PageRanges  []normalize.PageRange
	Raw         []byte
	ContentType string

	// CandidateURL is the contest link whose document was normalized. It is
	// empty when the entry page itself was used.
	CandidateURL string
	// Attempts counts candidate documents fetched before one succeeded.
	Attempts int
	// FromEntry is set when no candidate yielded usable text and the listing
	// page itself was normalized.
	FromEntry bool
}

// Adapter composes fetching, extraction and normalization for any source.
// It keeps no per-run state; the Fetcher passed to FetchAndParse carries it.
type Adapter struct {
	extractor  *extract.Extractor
	normalizer *normalize.Normalizer
	registry   *Registry
	logger     *zap.Logger
}

// New builds an Adapter. A nil registry uses the built-in one.
func New(extractor *extract.Extractor, normalizer *normalize.Normalizer, registry *Registry, logger *zap.Logger) *Adapter {
	if extractor == nil {
		extractor = extract.New(0)
	}
	if normalizer == nil {
		normalizer = normalize.New(nil, 0, "")
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{extractor: extractor, normalizer: normalizer, registry: registry, logger: logger.Named("adapter")}
}

// Registry exposes the adapter's override registry.
func (a *Adapter) Registry() *Registry {
	return a.registry
}

// FetchAndParse fetches entryURL, selects candidate announcement links and
// returns the normalized text of the first candidate with enough content.
// Candidate failures advance to the next candidate; when none succeeds the
// entry page's own text is normalized. Only entry page failures are returned.
func (a *Adapter) FetchAndParse(ctx context.Context, f Fetcher, src crawler.Source, entryURL string) (Result, error) {
	desc, err := DescriptorFor(src)
	if err != nil {
		return Result{}, err
	}
	over, err := a.registry.Lookup(src.Adapter)
	if err != nil {
		return Result{}, fmt.Errorf("source %s: %w", src.Slug, err)
	}
	logger := a.logger.With(zap.String("source", src.Slug), zap.String("entry", entryURL))

	mode := crawler.ModeStatic
	if src.Render == crawler.RenderHeadless {
		mode = crawler.ModeHeadless
	}
	entry, err := f.FetchWithFallback(ctx, crawler.FetchRequest{SourceID: src.Slug, URL: entryURL, Mode: mode})
	if err != nil {
		return Result{}, err
	}
	out := Result{EntryURL: entryURL}

	// A listing URL that already serves the document is its own candidate.
	if extract.Detect(entry) == crawler.FormatPDF {
		out.Contests = []ContestCandidate{{Title: titleFromURL(entryURL), URL: entryURL}}
		doc, err := a.extractor.Extract(entry)
		if err != nil && !errors.Is(err, crawler.ErrInsufficientContent) {
			return Result{}, err
		}
		a.fill(&out, entry, doc)
		out.CandidateURL = entryURL
		return out, nil
	}

	base, err := url.Parse(finalURL(entry))
	if err != nil {
		return Result{}, fmt.Errorf("%w: entry url: %w", crawler.ErrParse, err)
	}
	page, err := extract.ParseHTML(entry.Body, entry.ContentType)
	if err != nil {
		return Result{}, err
	}
	selectLinks, rank := SelectLinks, Rank
	if over.SelectLinks != nil {
		selectLinks = over.SelectLinks
	}
	if over.Rank != nil {
		rank = over.Rank
	}
	links := selectLinks(page, base, desc)
	for _, l := range links {
		out.Contests = append(out.Contests, ContestCandidate{Title: l.Title(), URL: l.URL})
	}
	ranked := rank(links, desc)
	if len(ranked) > desc.MaxCandidates {
		ranked = ranked[:desc.MaxCandidates]
	}
	logger.Debug("candidates selected", zap.Int("links", len(links)), zap.Int("candidates", len(ranked)))

	for _, cand := range ranked {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		res, doc, ok := a.tryCandidate(ctx, f, src.Slug, cand.URL, desc, &out.Attempts, logger)
		if ok {
			a.fill(&out, res, doc)
			out.CandidateURL = cand.URL
			return out, nil
		}
	}

	doc, err := a.extractor.Extract(entry)
	if err != nil && !errors.Is(err, crawler.ErrInsufficientContent) {
		return Result{}, err
	}
	logger.Info("no candidate yielded content, using entry page", zap.Int("attempts", out.Attempts))
	a.fill(&out, entry, doc)
	out.FromEntry = true
	return out, nil
}

// tryCandidate fetches one candidate. HTML detail pages get one level of PDF
// resolution before their own text is considered.
func (a *Adapter) tryCandidate(ctx context.Context, f Fetcher, slug, rawURL string, desc Descriptor, attempts *int, logger *zap.Logger) (crawler.FetchResult, crawler.ExtractedDocument, bool) {
	res, doc, err := a.fetchDocument(ctx, f, slug, rawURL, attempts)
	if err != nil && !errors.Is(err, crawler.ErrInsufficientContent) {
		logger.Debug("candidate rejected", zap.String("url", rawURL), zap.String("reason", crawler.Classify(err)))
		return res, doc, false
	}
	if doc.Format == crawler.FormatHTML && desc.PreferPDF {
		if pdfURL := a.pdfLink(res, desc); pdfURL != "" {
			pres, pdoc, perr := a.fetchDocument(ctx, f, slug, pdfURL, attempts)
			if perr == nil {
				return pres, pdoc, true
			}
			logger.Debug("detail pdf rejected", zap.String("url", pdfURL), zap.String("reason", crawler.Classify(perr)))
		}
	}
	if err != nil {
		logger.Debug("candidate rejected", zap.String("url", rawURL), zap.String("reason", crawler.Classify(err)))
		return res, doc, false
	}
	return res, doc, true
}

func (a *Adapter) fetchDocument(ctx context.Context, f Fetcher, slug, rawURL string, attempts *int) (crawler.FetchResult, crawler.ExtractedDocument, error) {
	*attempts++
	res, err := f.FetchWithFallback(ctx, crawler.FetchRequest{SourceID: slug, URL: rawURL, Mode: crawler.ModeStatic})
	if err != nil {
		return res, crawler.ExtractedDocument{}, err
	}
	doc, err := a.extractor.Extract(res)
	return res, doc, err
}

// pdfLink returns the best PDF anchor of an HTML detail page, if any.
func (a *Adapter) pdfLink(res crawler.FetchResult, desc Descriptor) string {
	base, err := url.Parse(finalURL(res))
	if err != nil {
		return ""
	}
	page, err := extract.ParseHTML(res.Body, res.ContentType)
	if err != nil {
		return ""
	}
	var pdfs []Link
	for _, l := range Anchors(page, base) {
		inScope := crawler.SameSite(base.String(), l.URL) || (desc.LinkPattern != nil && desc.LinkPattern.MatchString(l.URL))
		if l.IsPDF() && inScope {
			pdfs = append(pdfs, l)
		}
	}
	if len(pdfs) == 0 {
		return ""
	}
	return Rank(pdfs, desc)[0].URL
}

func (a *Adapter) fill(out *Result, res crawler.FetchResult, doc crawler.ExtractedDocument) {
	out.DocumentURL = finalURL(res)
	out.Format = doc.Format
	out.Raw = res.Body
	out.ContentType = res.ContentType
	out.Buckets = a.normalizer.Normalize(doc.Text)
	if len(doc.Pages) > 1 {
		out.PageRanges = a.normalizer.EstimatePageRanges(doc.Text, len(doc.Pages))
	}
}

func finalURL(res crawler.FetchResult) string {
	if res.FinalURL != "" {
		return res.FinalURL
	}
	return res.URL
}

func titleFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	name := strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	if name == "" || name == "." || name == "/" {
		return u.Host
	}
	return name
}
