// Package web is the operator surface: a compose form, the send action and a live run status page.
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"groupcast/internal/directory"
	"groupcast/internal/dispatch"
	logx "groupcast/pkg/logx"
)

//go:embed templates/*.html
var templatesFS embed.FS

const (
	DefaultAddr      = "127.0.0.1:8080"
	DefaultMaxUpload = 64 << 20
)

// Runs is the dispatch service as seen by the handlers.
type Runs interface {
	Submit(req dispatch.Request) (string, error)
	Status(id string) (dispatch.RunStatus, bool)
	Recent(n int) []dispatch.RunStatus
}

// Recipients exposes the recipient cache.
type Recipients interface {
	Info() directory.Info
	Invalidate(ctx context.Context)
}

type Config struct {
	Addr         string
	MaxUpload    int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Pprof        bool
}

type Server struct {
	cfg        Config
	runs       Runs
	recipients Recipients
	log        logx.Logger
	tmpl       *template.Template
	maxUpload  atomic.Int64
	now        func() time.Time
}

func New(cfg Config, runs Runs, recipients Recipients, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"ago":   humanize.Time,
		"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
		"join":  strings.Join,
	}).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, runs: runs, recipients: recipients, log: log, tmpl: tmpl, now: time.Now}
	s.SetMaxUpload(cfg.MaxUpload)
	return s, nil
}

// SetMaxUpload changes the request size limit for /send. Values <= 0 restore the default.
func (s *Server) SetMaxUpload(n int64) {
	if n <= 0 {
		n = DefaultMaxUpload
	}
	s.maxUpload.Store(n)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/", s.handleIndex)
	r.Post("/send", s.handleSend)
	r.Get("/runs/{id}", s.handleRunPage)
	r.Post("/recipients/refresh", s.handleRefresh)
	r.Route("/api", func(r chi.Router) {
		r.Get("/runs/{id}", s.handleRunJSON)
		r.Get("/runs", s.handleRunsJSON)
	})
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Serve listens on cfg.Addr until ctx is done, then shuts down gracefully.
// ready (optional) is called once the listener is bound.
func (s *Server) Serve(ctx context.Context, ready func(addr string)) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("web listening", logx.String("addr", ln.Addr().String()))
	if ready != nil {
		ready(ln.Addr().String())
	}

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("web shutdown", logx.Err(err))
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
