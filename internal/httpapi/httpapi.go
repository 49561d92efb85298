// Package httpapi serves the HTTP surface: chat webhooks, the deposit
// notifier and admin broadcasts.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/m3rciful/liteim/core/logger"
	"github.com/m3rciful/liteim/internal/accounts"
	"github.com/m3rciful/liteim/internal/conversation"
	"github.com/m3rciful/liteim/internal/notify"
)

// Config configures the listener.
type Config struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
	// NotifierSecret signs the HS256 bearer tokens of /notifier and /broadcast.
	NotifierSecret string `yaml:"notifier_secret" envconfig:"HTTP_NOTIFIER_SECRET"`
	// RatePerSecond and Burst bound requests per remote address.
	RatePerSecond float64 `yaml:"rate_per_second" envconfig:"HTTP_RATE_PER_SECOND"`
	Burst         int     `yaml:"burst" envconfig:"HTTP_BURST"`
}

// Normalize fills defaults.
func (c *Config) Normalize() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.NotifierSecret == "" {
		return fmt.Errorf("http.notifier_secret is required")
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	return nil
}

// Notifier is the part of notify.Router the endpoints drive.
type Notifier interface {
	Deposit(ctx context.Context, in notify.Incoming) error
	Broadcast(ctx context.Context, msg conversation.Message) (int, error)
}

// Server routes requests to the webhooks and the notifier.
type Server struct {
	cfg       Config
	notifier  Notifier
	messenger http.Handler
	telegram  atomic.Pointer[http.Handler]
	teleOnce  sync.Once
	limits    *limiter
	mux       *http.ServeMux
}

// New builds the server. messenger may be nil when that transport is off.
func New(cfg Config, notifier Notifier, messenger http.Handler) *Server {
	s := &Server{
		cfg:       cfg,
		notifier:  notifier,
		messenger: messenger,
		limits:    newLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.healthz)
	s.mux.Handle("POST /notifier", s.authorized(http.HandlerFunc(s.deposit)))
	s.mux.Handle("POST /broadcast", s.authorized(http.HandlerFunc(s.broadcast)))
	if messenger != nil {
		s.mux.Handle("/messenger/webhook", messenger)
	}
	return s
}

// MountTelegram serves an embedded Telegram webhook at path. It may be called
// after the server started; later calls only swap the handler.
func (s *Server) MountTelegram(path string, h http.Handler) {
	s.teleOnce.Do(func() {
		s.mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
			hp := s.telegram.Load()
			if hp == nil {
				http.Error(w, "telegram not ready", http.StatusServiceUnavailable)
				return
			}
			(*hp).ServeHTTP(w, r)
		})
	})
	s.telegram.Store(&h)
}

// ServeHTTP applies the per-address rate limit, then routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !s.limits.allow(remoteIP(r)) {
		logger.Warn(r.Context(), logger.CompHTTP, "http.rate_limited", slog.String("path", r.URL.Path))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": "too many requests"})
		return
	}
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(sw, r)
	logger.Debug(r.Context(), logger.CompHTTP, "http.request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status_code", sw.status),
		slog.Int64("duration_ms", logger.Took(start).Milliseconds()),
	)
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info(ctx, logger.CompHTTP, "http.listen", slog.String("addr", s.cfg.Listen))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var in notify.Incoming
	if err := decode(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	err := s.notifier.Deposit(r.Context(), in)
	switch {
	case errors.Is(err, accounts.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "unknown address"})
	case err != nil:
		logger.Error(r.Context(), logger.CompHTTP, "http.deposit_failed", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "deposit failed"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Text string `json:"text"`
	}
	if err := decode(r, &in); err != nil || strings.TrimSpace(in.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "text is required"})
		return
	}
	n, err := s.notifier.Broadcast(r.Context(), conversation.Message{Text: in.Text})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "sent": n})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sent": n})
}

// authorized accepts requests bearing an HS256 token signed with the notifier
// secret.
func (s *Server) authorized(next http.Handler) http.Handler {
	secret := []byte(s.cfg.NotifierSecret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "missing token"})
			return
		}
		_, err := parser.Parse(strings.TrimSpace(raw), func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil {
			logger.Warn(r.Context(), logger.CompHTTP, "http.unauthorized", slog.String("path", r.URL.Path))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// limiter keeps one token bucket per remote address.
type limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

func newLimiter(limit rate.Limit, burst int) *limiter {
	return &limiter{limit: limit, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}
