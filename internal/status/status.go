package status

import (
	"context"
	"sync"
)

// Status is a single-line message for the host's status surface. This
// system only emits terminal statuses, so Done is always true on
// everything it produces.
type Status struct {
	Description string `json:"description"`
	Done        bool   `json:"done"`
}

// Reporter pushes a status update to the host.
type Reporter interface {
	Report(ctx context.Context, s Status) error
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(ctx context.Context, s Status) error

func (f ReporterFunc) Report(ctx context.Context, s Status) error {
	return f(ctx, s)
}

// Done builds a terminal status.
func Done(description string) Status {
	return Status{Description: description, Done: true}
}

// Emit reports s through r. A nil reporter is a no-op, matching hosts that
// do not provide a status surface.
func Emit(ctx context.Context, r Reporter, description string) error {
	if r == nil {
		return nil
	}
	return r.Report(ctx, Done(description))
}

// Recorder collects statuses in memory.
type Recorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *Recorder) Report(_ context.Context, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	return nil
}

// Statuses returns a copy of everything recorded so far.
func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

// Last returns the most recent status, if any.
func (r *Recorder) Last() (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return Status{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}
