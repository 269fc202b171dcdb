package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"cordkit/internal/storage"
	"cordkit/pkg/logx"
)

// sessionPruner drops stored sessions that have not been touched for ttl.
type sessionPruner struct {
	c     *cron.Cron
	store storage.Store
	ttl   time.Duration
	log   logx.Logger
}

func newSessionPruner(schedule string, store storage.Store, ttl time.Duration, log logx.Logger) (*sessionPruner, error) {
	p := &sessionPruner{c: cron.New(), store: store, ttl: ttl, log: log}
	if _, err := p.c.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("storage.prune_schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *sessionPruner) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := p.store.PruneSessions(ctx, time.Now().Add(-p.ttl))
	if err != nil {
		p.log.Warn("session prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		p.log.Info("stale sessions pruned", logx.Int("removed", n), logx.Duration("ttl", p.ttl))
	}
}

func (p *sessionPruner) Start() { p.c.Start() }

func (p *sessionPruner) Stop(ctx context.Context) error {
	select {
	case <-p.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
