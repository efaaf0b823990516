// Package extract holds the adapters that turn a document page into
// structured content.
package extract

import (
	"context"
	"encoding/json"
)

// PageInput is the raw content of one page handed to an Extractor.
// PageNum starts at 1.
type PageInput struct {
	DocumentID string `json:"document_id"`
	PageNum    int    `json:"page_number"`
	Text       string `json:"text,omitempty"`
	Image      []byte `json:"-"`
	MIMEType   string `json:"mime_type,omitempty"`
}

// Extractor converts one page into structured JSON content. Returned errors
// may be classified with the retry package; unclassified errors are retried.
type Extractor interface {
	Extract(ctx context.Context, page PageInput) (json.RawMessage, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, page PageInput) (json.RawMessage, error)

func (f ExtractorFunc) Extract(ctx context.Context, page PageInput) (json.RawMessage, error) {
	return f(ctx, page)
}
