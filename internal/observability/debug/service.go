// Package debug serves an optional operator HTTP endpoint: a readiness
// check, JSON snapshots of rate-limit buckets and gateway shards, and
// net/http/pprof.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"sort"
	"strings"
	"sync"
	"time"

	"cordkit/internal/gateway"
	"cordkit/internal/rest"
	"cordkit/internal/runtime/supervisor"
	"cordkit/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the debug server. A non-loopback Addr needs a Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// BucketSource is satisfied by *rest.Dispatcher.
type BucketSource interface {
	Snapshot() []rest.BucketState
}

// ShardSource is satisfied by *gateway.Manager.
type ShardSource interface {
	Snapshot() []gateway.ShardSnapshot
	FatalErrors() map[int]error
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	buckets BucketSource
	shards  ShardSource

	addr     string
	sup      *supervisor.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) SetBuckets(src BucketSource) {
	s.mu.Lock()
	s.buckets = src
	s.mu.Unlock()
}

// SetShards attaches the shard manager once it exists. Until then /healthz
// reports 503.
func (s *Service) SetShards(src ShardSource) {
	s.mu.Lock()
	s.shards = src
	s.mu.Unlock()
}

// Addr returns the bound listen address, empty while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg during hot reload, starting, stopping or
// restarting the server as needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		// The debug server is optional; its failures never stop the app.
		s.sup = supervisor.New(ctx,
			supervisor.WithLogger(s.log),
			supervisor.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("debug.http", s.serveOnce, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
		return
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = sup.Stop(context.Background())
		s.mu.Lock()
		s.sup = nil
		s.addr = ""
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("debug server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("debug server refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("debug: insecure bind refused")
		}
		s.log.Warn("debug server running without token on non-loopback addr", logx.String("addr", addr))
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}

	srv := &http.Server{
		Handler:      s.Handler(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("debug server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", cur.Pprof), logx.Bool("token_set", cur.Token != ""))

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug server exited unexpectedly")
	}
	return err
}

// Handler builds the mux for cfg. It is exported for tests and for embedding
// into another server.
func (s *Service) Handler(cfg Config) http.Handler {
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", wrap(s.handleHealth))
	mux.HandleFunc("GET /debug/cordkit/buckets", wrap(s.handleBuckets))
	mux.HandleFunc("GET /debug/cordkit/shards", wrap(s.handleShards))
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	src := s.shards
	s.mu.Unlock()
	if src == nil {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	snaps := src.Snapshot()
	ready := 0
	for _, sh := range snaps {
		if sh.State == gateway.StateReady {
			ready++
		}
	}
	if len(snaps) == 0 || ready < len(snaps) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]int{"ready": ready, "total": len(snaps)})
}

func (s *Service) handleBuckets(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	src := s.buckets
	s.mu.Unlock()
	out := []rest.BucketState{}
	if src != nil {
		out = src.Snapshot()
		sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	}
	writeJSON(w, out)
}

type shardsView struct {
	Shards []gateway.ShardSnapshot `json:"shards"`
	Fatal  map[int]string          `json:"fatal,omitempty"`
}

func (s *Service) handleShards(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	src := s.shards
	s.mu.Unlock()
	view := shardsView{Shards: []gateway.ShardSnapshot{}}
	if src != nil {
		view.Shards = src.Snapshot()
		for id, err := range src.FatalErrors() {
			if view.Fatal == nil {
				view.Fatal = map[int]string{}
			}
			view.Fatal[id] = err.Error()
		}
	}
	writeJSON(w, view)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if ah := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(ah, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
