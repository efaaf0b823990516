package extract

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jupark12/docflow/retry"
)

// PDFText is an offline Extractor that structures the page's own text layer
// into {text, lines}. It is used when no remote service is configured.
type PDFText struct{}

type textContent struct {
	Text  string   `json:"text"`
	Lines []string `json:"lines"`
}

func (PDFText) Extract(ctx context.Context, page PageInput) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(page.Image) > 0 && page.Text == "" {
		return nil, retry.Permanentf("page %d: image pages need a remote extractor", page.PageNum)
	}
	text := strings.TrimSpace(page.Text)
	if text == "" {
		return nil, retry.Permanentf("page %d has no text layer", page.PageNum)
	}

	lines := make([]string, 0)
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	b, err := json.Marshal(textContent{Text: text, Lines: lines})
	if err != nil {
		return nil, retry.Permanent(err)
	}
	return b, nil
}
