package engine

import (
	"fmt"
)

// Replay rebuilds an engine by resubmitting a journal of accepted requests
// in their original order. Matching is deterministic, so the resulting book
// and registry match the engine the journal was taken from. Events are not
// published for the rebuild; if WithEvents is given, the stream starts with
// the first submission after Replay returns.
func Replay(requests []Request, opts ...Option) (*Engine, error) {
	e := New(opts...)

	events := e.events
	e.events = nil
	for i, req := range requests {
		if _, err := e.Submit(req); err != nil {
			return nil, fmt.Errorf("replay request %d: %w", i, err)
		}
	}
	e.events = events
	return e, nil
}
