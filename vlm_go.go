package vlm

import (
	"github.com/knights-analytics/vlm/options"
)

// NewGoSession creates a session that runs models with the pure Go backend. No shared libraries are needed.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession(options.BackendGO, opts...)
}
