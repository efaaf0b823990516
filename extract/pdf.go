package extract

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// SplitPDF opens the PDF at path and returns one PageInput per page.
// The document id is the file's base name.
func SplitPDF(path string) ([]PageInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat pdf: %w", err)
	}
	return SplitPDFReader(f, info.Size(), filepath.Base(path))
}

// SplitPDFReader splits an in-memory or on-disk PDF into pages. Pages whose
// dictionary is null keep their slot with empty text so numbering matches
// the document.
func SplitPDFReader(ra io.ReaderAt, size int64, documentID string) ([]PageInput, error) {
	r, err := pdf.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	total := r.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("pdf %s has no pages", documentID)
	}

	pages := make([]PageInput, 0, total)
	for i := 1; i <= total; i++ {
		in := PageInput{DocumentID: documentID, PageNum: i, MIMEType: "text/plain"}
		p := r.Page(i)
		if !p.V.IsNull() {
			text, err := p.GetPlainText(nil)
			if err != nil {
				return nil, fmt.Errorf("extract text from page %d: %w", i, err)
			}
			in.Text = strings.TrimSpace(text)
		}
		pages = append(pages, in)
	}
	return pages, nil
}
