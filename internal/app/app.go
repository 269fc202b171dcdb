package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cordkit/internal/config"
	"cordkit/internal/eventbus"
	"cordkit/internal/gateway"
	"cordkit/internal/observability/debug"
	"cordkit/internal/rest"
	"cordkit/internal/runtime/supervisor"
	"cordkit/internal/storage"
	"cordkit/pkg/logx"
)

// App wires config, logging, storage, the REST dispatcher and the shard
// manager, and routes gateway events to the echo responder.
type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	pruner *sessionPruner

	dispatcher *rest.Dispatcher
	client     *rest.Client

	dialer     gateway.Dialer
	gwSettings gatewaySettings
	gw         *gateway.Manager

	echo   *Echo
	router *Router

	debug *debug.Service
}

// Option configures an App.
type Option func(*App)

// WithDialer replaces the websocket dialer.
func WithDialer(d gateway.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	rs, _ := mapRESTConfig(cfg)
	gs, _ := mapGatewayConfig(cfg)
	ss, _ := mapStorageConfig(cfg)
	dc, _ := mapDebugConfig(cfg)

	// The channel sink needs the REST client, which needs a logger. Boot
	// with the sink off, install the sender, then apply the full config.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Channel.Enabled = false
	logSvc, root := logx.New(bootCfg, nil)
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	exec := rest.NewRestyExecutor(rs.baseURL,
		rest.WithToken(cfg.Token),
		rest.WithUserAgent(rs.userAgent),
		rest.WithHTTPTimeout(rs.dispatch.RequestTimeout),
	)
	disp, err := rest.NewDispatcher(exec, rs.dispatch, rest.WithLogger(root), rest.WithBus(bus))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	client := rest.NewClient(disp)
	logSvc.SetSender(client)
	logSvc.Apply(logCfg)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		dispatcher: disp,
		client:     client,
		gwSettings: gs,
	}
	a.debug = debug.New(dc, root.With(logx.String("comp", "debug")))
	a.debug.SetBuckets(disp)

	if ss.enabled {
		st, err := storage.Open(ss.open, root.With(logx.String("comp", "storage")))
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		a.store = st
		p, err := newSessionPruner(ss.pruneSchedule, st, ss.sessionTTL, root.With(logx.String("comp", "storage")))
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		a.pruner = p
		log.Info("storage enabled", logx.String("driver", ss.open.Driver))
	}

	a.echo = NewEcho(cfg.Echo, client, root.With(logx.String("comp", "echo")))
	a.router = NewRouter(root.With(logx.String("comp", "router")), a.echo)

	for _, opt := range opts {
		opt(a)
	}
	if a.dialer == nil {
		a.dialer = &gateway.WebsocketDialer{Compress: gs.compress}
	}
	return a, nil
}

func (a *App) closeEarly() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = a.dispatcher.Close(ctx)
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
}

func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapRESTConfig(cfg); err != nil {
		return err
	}
	if _, err := mapGatewayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Client() *rest.Client { return a.client }

// Gateway returns the shard manager, nil before Start.
func (a *App) Gateway() *gateway.Manager { return a.gw }

// Ready is closed once every shard has reached Ready. Before Start it never
// closes.
func (a *App) Ready() <-chan struct{} {
	if a.gw == nil {
		return nil
	}
	return a.gw.AllReady()
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	url, total, maxConcurrency, err := a.resolveGateway(a.sup.Context())
	if err != nil {
		return err
	}
	mc := a.gwSettings.manager
	mc.URL = url
	opts := []gateway.ManagerOption{
		gateway.WithManagerLogger(a.log.With(logx.String("comp", "gateway"))),
		gateway.WithManagerBus(a.bus),
	}
	if a.store != nil {
		opts = append(opts, gateway.WithManagerSessions(a.store))
	}
	gw, err := gateway.NewManager(a.dialer, mc, opts...)
	if err != nil {
		return err
	}
	a.gw = gw
	a.debug.SetShards(gw)
	if err := gw.Start(a.sup.Context(), total, maxConcurrency); err != nil {
		return err
	}

	a.sup.Go0("echo", a.echo.Run)
	a.sup.Go0("router", func(c context.Context) { a.router.Run(c, gw.Events()) })
	a.sup.Go0("gateway.ready", func(c context.Context) {
		select {
		case <-c.Done():
		case <-gw.AllReady():
			a.log.Info("all shards ready", logx.Int("shards", total))
		}
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.pruner != nil {
		a.pruner.Start()
	}
	a.debug.Start(a.sup.Context())
	a.log.Info("app started", logx.Int("shards", total), logx.Int("max_concurrency", maxConcurrency))
	return nil
}

// resolveGateway fills the URL, shard count and identify concurrency that
// the config leaves open from GET /gateway/bot.
func (a *App) resolveGateway(ctx context.Context) (string, int, int, error) {
	gs := a.gwSettings
	url, total, maxConcurrency := gs.manager.URL, gs.shards, gs.maxConcurrency
	if url != "" && total > 0 && maxConcurrency > 0 {
		return url, total, maxConcurrency, nil
	}

	info, err := a.client.GatewayBot(ctx)
	if err != nil {
		if total <= 0 {
			return "", 0, 0, fmt.Errorf("resolve shard count: %w", err)
		}
		a.log.Warn("gateway/bot unavailable; using configured values", logx.Err(err))
		if url == "" {
			url = gateway.DefaultURL
		}
		return url, total, max(1, maxConcurrency), nil
	}
	if url == "" {
		url = info.URL
	}
	if total <= 0 {
		total = max(1, info.Shards)
	}
	if maxConcurrency <= 0 {
		maxConcurrency = max(1, info.SessionStartLimit.MaxConcurrency)
	}
	if info.SessionStartLimit.Remaining < total {
		a.log.Warn("session start limit low",
			logx.Int("remaining", info.SessionStartLimit.Remaining),
			logx.Int("shards", total),
			logx.Duration("reset_after", time.Duration(info.SessionStartLimit.ResetAfter)*time.Millisecond))
	}
	return url, total, maxConcurrency, nil
}

// latestConfig drains queued updates and keeps the newest.
func latestConfig(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = latestConfig(sub, newCfg)
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLoggingConfig(newCfg))
	a.echo.Apply(newCfg.Echo)
	if dc, err := mapDebugConfig(newCfg); err == nil {
		a.debug.Reconfigure(ctx, dc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
}

// Stop shuts down in dependency order: shards first so they can close
// cooperatively, then background loops, REST and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, limit, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("gateway", 10*time.Second, func(c context.Context) error {
		if a.gw == nil {
			return nil
		}
		return a.gw.Stop(c)
	})
	a.sup.Cancel()
	step("debug", 2*time.Second, func(c context.Context) error {
		a.debug.Stop(c)
		return nil
	})
	step("pruner", time.Second, func(c context.Context) error {
		if a.pruner == nil {
			return nil
		}
		return a.pruner.Stop(c)
	})
	step("rest", 2*time.Second, a.dispatcher.Close)
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// runStep bounds one shutdown step by limit without extending the caller's
// deadline.
func (a *App) runStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		return stepCtx.Err()
	}
}
