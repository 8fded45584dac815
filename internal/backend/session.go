package backend

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// lazySession guards a one-time backend initialization. Concurrent callers
// arriving before the warmup completes share a single flight; a failed
// warmup leaves the session cold so a later call can retry. Once warm, the
// session stays warm for the process lifetime.
type lazySession struct {
	ready atomic.Bool
	group singleflight.Group
}

func (s *lazySession) ensure(ctx context.Context, warm func(context.Context) error) error {
	if s.ready.Load() {
		return nil
	}
	_, err, _ := s.group.Do("warmup", func() (any, error) {
		if s.ready.Load() {
			return nil, nil
		}
		if err := warm(ctx); err != nil {
			return nil, err
		}
		s.ready.Store(true)
		return nil, nil
	})
	return err
}

func (s *lazySession) warm() bool { return s.ready.Load() }
