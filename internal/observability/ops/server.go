// Package ops serves the operator endpoints: liveness, a JSON status snapshot
// and, when enabled, net/http/pprof.
//
// A non-loopback Addr requires Token unless AllowInsecure is set.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "ctfsentinel/internal/runtime/supervisor"
	logx "ctfsentinel/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

var ErrInsecureBind = errors.New("ops: non-loopback addr requires a token or allow_insecure")

type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
}

// StatusFunc returns a JSON-serializable snapshot for /status.
type StatusFunc func() any

type Server struct {
	cfg    Config
	status StatusFunc
	log    logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	sup  *rtsup.Supervisor
	boot time.Time
}

func New(cfg Config, status StatusFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, status: status, log: log.With(logx.String("comp", "ops")), boot: time.Now()}
}

// Handler builds the endpoint mux. Every route is behind the token check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /status", s.auth(s.serveStatus))
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", s.auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", s.auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", s.auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", s.auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", s.auth(hpprof.Trace))
	}
	return mux
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"uptime": time.Since(s.boot).Round(time.Second).String()}
	if s.status != nil {
		body["state"] = s.status()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(body); err != nil {
		s.log.Debug("status encode failed", logx.Err(err))
	}
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Server) auth(h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// Start binds the listener and serves until Stop or ctx is done. It is a no-op
// when disabled.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if !isLoopbackAddr(addr) && s.cfg.Token == "" {
		if !s.cfg.AllowInsecure {
			return ErrInsecureBind
		}
		s.log.Warn("ops endpoints exposed without a token", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup.Go("http.serve", func(c context.Context) error {
		go func() {
			<-c.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(sctx)
			cancel()
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.srv, s.ln, s.sup = srv, ln, sup
	s.log.Info("ops server started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("token_set", s.cfg.Token != ""))
	return nil
}

// Addr is the bound address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
