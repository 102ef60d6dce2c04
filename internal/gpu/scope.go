package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/fxnlabs/gpu-backend/internal/hal"
)

// Scope collects the resources one call allocates and releases them in
// reverse order of registration when closed. Every exit path of an operation
// closes its scope, so nothing outlives the call.
type Scope struct {
	mu       sync.Mutex
	releases []release
	closed   bool
}

type release struct {
	name string
	fn   func() error
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{}
}

// TrackBuffer registers b for destruction.
func (s *Scope) TrackBuffer(b hal.Buffer) {
	s.Defer(b.Label(), func() error {
		b.Destroy()
		return nil
	})
}

// Defer registers fn to run on Close. Registering on a closed scope runs fn
// immediately.
func (s *Scope) Defer(name string, fn func() error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = fn()
		return
	}
	s.releases = append(s.releases, release{name: name, fn: fn})
	s.mu.Unlock()
}

// Len returns the number of pending releases.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// Detach moves every pending release into a new scope and leaves s empty.
// The returned scope owns resources that must outlive the current call.
func (s *Scope) Detach() *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Scope{releases: s.releases}
	s.releases = nil
	return d
}

// Close runs every registered release, last registered first, and combines
// their errors. Closing twice is a no-op.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var err error
	for i := len(releases) - 1; i >= 0; i-- {
		r := releases[i]
		if rerr := r.fn(); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("release %s: %w", r.name, rerr))
		}
	}
	return err
}
