// Package extraction turns a job's source reference into normalized text.
//
// The Router dispatches on the reference's scheme:
//
//	http://, https://   fetched over HTTP; HTML is reduced to its visible text
//	s3://bucket/key     fetched from S3 (or an S3-compatible endpoint)
//	text:<literal>      the literal itself, for development and tests
//
// Every failure is reported as *Error and fails the job.
package extraction

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
)

// Gateway produces the normalized text for a job.
type Gateway interface {
	Extract(ctx context.Context, jobID uuid.UUID, sourceRef string) (*domain.ExtractedContent, error)
}

// Error is the single failure type of the gateway.
type Error struct {
	SourceRef string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed for %s: %s: %v", e.SourceRef, e.Reason, e.Err)
	}
	return fmt.Sprintf("extraction failed for %s: %s", e.SourceRef, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(ref, reason string, err error) *Error {
	return &Error{SourceRef: ref, Reason: reason, Err: err}
}

// Document is raw fetched content.
type Document struct {
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Fetcher retrieves the document a URL points at.
type Fetcher interface {
	Fetch(ctx context.Context, u *url.URL) (*Document, error)
}

// Router implements Gateway by dispatching on the source reference scheme.
type Router struct {
	fetchers map[string]Fetcher
}

var _ Gateway = (*Router)(nil)

// NewRouter returns a Router that only understands text: references.
// Register adds schemes.
func NewRouter() *Router {
	return &Router{fetchers: make(map[string]Fetcher)}
}

// Register routes the given schemes to f.
func (r *Router) Register(f Fetcher, schemes ...string) *Router {
	for _, s := range schemes {
		r.fetchers[strings.ToLower(s)] = f
	}
	return r
}

// Extract fetches and normalizes the referenced content.
func (r *Router) Extract(ctx context.Context, jobID uuid.UUID, sourceRef string) (*domain.ExtractedContent, error) {
	doc, err := r.fetch(ctx, sourceRef)
	if err != nil {
		return nil, err
	}

	raw, err := documentText(doc)
	if err != nil {
		return nil, newError(sourceRef, "unsupported content", err)
	}

	text, words := Normalize(raw)
	if words == 0 {
		return nil, newError(sourceRef, "no text", domain.ErrEmptyExtractedText)
	}

	meta := map[string]string{"sourceRef": sourceRef}
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	if doc.ContentType != "" {
		meta["contentType"] = doc.ContentType
	}

	return &domain.ExtractedContent{
		JobID:     jobID,
		Text:      text,
		Language:  DetectLanguage(text),
		WordCount: words,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (r *Router) fetch(ctx context.Context, sourceRef string) (*Document, error) {
	if literal, ok := strings.CutPrefix(sourceRef, "text:"); ok {
		return &Document{
			Body:        []byte(literal),
			ContentType: "text/plain",
			Metadata:    map[string]string{"source": "text"},
		}, nil
	}

	u, err := url.Parse(sourceRef)
	if err != nil {
		return nil, newError(sourceRef, "invalid source reference", err)
	}
	f, ok := r.fetchers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, newError(sourceRef, fmt.Sprintf("unsupported scheme %q", u.Scheme), nil)
	}

	doc, err := f.Fetch(ctx, u)
	if err != nil {
		return nil, newError(sourceRef, "fetch failed", err)
	}
	return doc, nil
}

// documentText decodes a document body according to its media type.
func documentText(doc *Document) (string, error) {
	mediaType := "text/plain"
	if doc.ContentType != "" {
		mt, _, err := mime.ParseMediaType(doc.ContentType)
		if err != nil {
			return "", fmt.Errorf("content type %q: %w", doc.ContentType, err)
		}
		mediaType = mt
	}

	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return HTMLText(doc.Body)
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/octet-stream" && isText(doc.Body):
		return string(doc.Body), nil
	default:
		return "", fmt.Errorf("content type %s is not supported", mediaType)
	}
}
