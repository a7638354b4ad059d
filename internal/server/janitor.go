package server

import (
	"context"
	"time"

	"github.com/aspect-build/notion-mcp/internal/logx"
)

const codeSweepInterval = time.Minute

// RunJanitors evicts expired authorization codes, idle rate-limit buckets
// and sessions whose refresh token has lapsed until ctx is done.
func (a *App) RunJanitors(ctx context.Context) {
	codes := time.NewTicker(codeSweepInterval)
	defer codes.Stop()
	buckets := time.NewTicker(a.limiter.Window())
	defer buckets.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-codes.C:
			if n := a.codes.Sweep(now); n > 0 {
				logx.Debugf("janitor: dropped %d expired authorization codes", n)
			}
			if n, err := a.store.Prune(now); err != nil {
				logx.Warnf("janitor: prune vault: %v", err)
			} else if n > 0 {
				logx.Infof("janitor: pruned %d expired sessions", n)
			}
		case now := <-buckets.C:
			if n := a.limiter.Sweep(now); n > 0 {
				logx.Debugf("janitor: dropped %d rate limit buckets", n)
			}
		}
	}
}
