// Package analysis records page-level extraction errors for later review.
package analysis

// PageEvent describes one notable moment in the life of a page.
type PageEvent struct {
	JobID      string
	DocumentID string
	Page       int
	Attempt    int
	Err        error
	Permanent  bool
}

// Observer is notified by the page processor. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	OnRetry(ev PageEvent)
	OnFailure(ev PageEvent)
	OnSuccess(ev PageEvent)
}

// Nop is the Observer used when error analysis is disabled.
type Nop struct{}

func (Nop) OnRetry(PageEvent)   {}
func (Nop) OnFailure(PageEvent) {}
func (Nop) OnSuccess(PageEvent) {}
