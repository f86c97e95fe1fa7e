package i915

import (
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/intel"
)

// NewContext creates a driver context on backend. Unless WithLogger is
// given, the context logs through Logger.
//
// The context does not own backend: close the context first, then the
// backend.
func NewContext(backend bufmgr.Backend, opts ...Option) (*intel.Context, error) {
	cfg := intel.Config{Logger: Logger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return intel.New(backend, cfg)
}
