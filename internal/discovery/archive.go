package discovery

import (
	"bytes"
	"context"
	"mime"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/adapter"
	"github.com/editalwatch/discovery/internal/crawler"
)

// KeyFunc names an archived document from its source and body.
type KeyFunc func(sourceID string, data []byte, ext string) string

// Archiver copies normalized documents into a BlobStore under
// content-addressed keys. A nil Archiver archives nothing.
type Archiver struct {
	blobs  crawler.BlobStore
	key    KeyFunc
	prefix string
	logger *zap.Logger
}

// NewArchiver returns an Archiver writing under prefix.
func NewArchiver(blobs crawler.BlobStore, key KeyFunc, prefix string, logger *zap.Logger) *Archiver {
	if blobs == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{blobs: blobs, key: key, prefix: strings.Trim(prefix, "/"), logger: logger.Named("archive")}
}

// Store archives res.Raw and returns its URI. Failures are logged and yield
// an empty URI; archiving never fails a run.
func (a *Archiver) Store(ctx context.Context, sourceID string, res adapter.Result) string {
	if a == nil || len(res.Raw) == 0 {
		return ""
	}
	key := a.key(sourceID, res.Raw, extension(res))
	if a.prefix != "" {
		key = path.Join(a.prefix, key)
	}
	uri, err := a.blobs.PutObject(ctx, key, res.ContentType, bytes.NewReader(res.Raw))
	if err != nil {
		a.logger.Warn("archive document", zap.String("source", sourceID), zap.String("key", key), zap.Error(err))
		return ""
	}
	return uri
}

func extension(res adapter.Result) string {
	switch res.Format {
	case crawler.FormatPDF:
		return "pdf"
	case crawler.FormatHTML:
		return "html"
	}
	if media, _, err := mime.ParseMediaType(res.ContentType); err == nil {
		if exts, _ := mime.ExtensionsByType(media); len(exts) > 0 {
			return exts[0]
		}
	}
	return "txt"
}
