// Package server serves health, Prometheus metrics and a read-only view of
// campaigns over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"campaignbot/internal/model"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

type Config struct {
	Addr          string
	Token         string
	JWTSecret     string
	AllowInsecure bool
	Pprof         bool
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// Reader is the subset of storage the API reads.
type Reader interface {
	GetCampaign(ctx context.Context, id int64) (model.Campaign, error)
	ListCampaigns(ctx context.Context, operatorID int64) ([]model.Campaign, error)
	ListAccounts(ctx context.Context, operatorID int64, includeInactive bool) ([]model.Account, error)
	Ping(ctx context.Context) error
}

// Runs reports live campaigns.
type Runs interface {
	Running() []int64
}

type Server struct {
	cfg      Config
	store    Reader
	runs     Runs
	gatherer prometheus.Gatherer
	log      logx.Logger
}

func New(cfg Config, store Reader, runs Runs, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{cfg: cfg.withDefaults(), store: store, runs: runs, gatherer: gatherer, log: log.With(logx.String("comp", "http"))}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.With(adminOnly).Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

		r.Route("/api", func(r chi.Router) {
			r.Get("/campaigns/{id}", s.getCampaign)
			r.Get("/campaigns/{id}/progress", s.getProgress)
			r.Get("/operators/{op}/campaigns", s.listCampaigns)
			r.Get("/operators/{op}/accounts", s.listAccounts)
		})

		if s.cfg.Pprof {
			r.Route("/debug/pprof", func(r chi.Router) {
				r.Use(adminOnly)
				r.Get("/", hpprof.Index)
				r.Get("/cmdline", hpprof.Cmdline)
				r.Get("/profile", hpprof.Profile)
				r.Get("/symbol", hpprof.Symbol)
				r.Get("/trace", hpprof.Trace)
				r.Get("/{name}", hpprof.Index)
			})
		}
	})
	return r
}

// Run serves until ctx ends. A non-loopback bind without credentials is
// refused unless AllowInsecure is set.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	open := s.cfg.Token == "" && s.cfg.JWTSecret == ""
	if open && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			s.log.Error("http refused to start: non-loopback addr requires token, jwt_secret or allow_insecure", logx.String("addr", addr))
			return errors.New("http refused to start: insecure bind")
		}
		s.log.Warn("http running without auth on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("http started", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["storage"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if s.runs != nil {
		body["running"] = len(s.runs.Running())
	}
	writeJSON(w, code, body)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if ok {
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	c, ok := s.loadCampaign(w, r)
	if ok {
		writeJSON(w, http.StatusOK, c.Progress())
	}
}

func (s *Server) loadCampaign(w http.ResponseWriter, r *http.Request) (model.Campaign, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return model.Campaign{}, false
	}
	c, err := s.store.GetCampaign(r.Context(), id)
	p, _ := principalFrom(r.Context())
	// Foreign campaigns look missing.
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !p.canRead(c.OperatorID)) {
		http.Error(w, "not found", http.StatusNotFound)
		return model.Campaign{}, false
	}
	if err != nil {
		s.internal(w, err)
		return model.Campaign{}, false
	}
	return c, true
}

func (s *Server) operatorParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	op, err := strconv.ParseInt(chi.URLParam(r, "op"), 10, 64)
	if err != nil || op <= 0 {
		http.Error(w, "invalid operator id", http.StatusBadRequest)
		return 0, false
	}
	if p, _ := principalFrom(r.Context()); !p.canRead(op) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return 0, false
	}
	return op, true
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	op, ok := s.operatorParam(w, r)
	if !ok {
		return
	}
	list, err := s.store.ListCampaigns(r.Context(), op)
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	op, ok := s.operatorParam(w, r)
	if !ok {
		return
	}
	all := r.URL.Query().Get("all") == "1"
	list, err := s.store.ListAccounts(r.Context(), op, all)
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) internal(w http.ResponseWriter, err error) {
	s.log.Warn("http request failed", logx.Err(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
