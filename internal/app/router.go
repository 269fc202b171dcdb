package app

import (
	"context"

	"cordkit/internal/gateway"
	"cordkit/pkg/logx"
)

// EventHandler receives every dispatched event. It must not block.
type EventHandler interface {
	HandleEvent(ev gateway.Event)
}

// Router consumes the shard fan-in and hands events to handlers in order.
type Router struct {
	log      logx.Logger
	handlers []EventHandler
}

func NewRouter(log logx.Logger, handlers ...EventHandler) *Router {
	return &Router{log: log, handlers: handlers}
}

// Run routes events until in closes or ctx ends.
func (r *Router) Run(ctx context.Context, in <-chan gateway.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			r.log.Trace("event", logx.Int("shard", ev.ShardID), logx.Int64("seq", ev.Seq), logx.String("type", ev.Type))
			for _, h := range r.handlers {
				h.HandleEvent(ev)
			}
		}
	}
}
