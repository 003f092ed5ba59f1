// Package callback receives replies the responder posts out-of-band.
package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/message"
)

const (
	DefaultPath    = "/api/message"
	defaultMaxBody = 20 << 20
	defaultPort    = 3001
)

// ErrMalformed marks a callback that cannot be routed to a chat.
var ErrMalformed = errors.New("malformed callback")

// Dispatcher delivers a reply to its chat.
type Dispatcher interface {
	Dispatch(ctx context.Context, resp domain.BotResponse) error
}

// Config configures the callback server.
type Config struct {
	Host       string
	Port       int
	Path       string
	MaxBody    int64
	Secret     string // HMAC secret; empty disables signature checks
	Dispatcher Dispatcher
	Metrics    http.Handler // optional, served at /metrics
	Events     http.Handler // optional, served at /debug/events
	Logger     *slog.Logger
	// Optional counter hooks.
	OnReceived  func()
	OnMalformed func()
}

// Server accepts BotResponse bodies and hands them to the dispatcher.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	// base is the context dispatches run under; it outlives each request.
	base context.Context
	wg   sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = defaultMaxBody
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: cfg.Logger, base: context.Background()}
}

// URL is the address the responder is told to post replies to.
func (s *Server) URL() string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port)), s.cfg.Path)
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.Path, s.handleMessage)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	if s.cfg.Events != nil {
		mux.Handle("GET /debug/events", s.cfg.Events)
	}
	return mux
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("callback server listening", "url", s.URL())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("callback server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		s.wg.Wait()
		return err
	case err := <-errCh:
		return fmt.Errorf("callback server: %w", err)
	}
}

// Wait blocks until in-flight dispatches finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleMessage(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, s.cfg.MaxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(rw, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if s.cfg.Secret != "" {
		sig := r.Header.Get("X-Signature-256")
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, s.cfg.Secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var resp domain.BotResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		s.logger.Warn("callback is not valid JSON", "err", err)
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if s.cfg.OnReceived != nil {
		s.cfg.OnReceived()
	}
	s.logger.Info("bot sent", "payload", message.Inspect(resp))

	if err := validate(resp); err != nil {
		if s.cfg.OnMalformed != nil {
			s.cfg.OnMalformed()
		}
		s.logger.Warn("dropping callback", "err", err)
	} else {
		s.dispatch(resp)
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]string{"status": "ok"})
}

// dispatch runs detached from the request so slow sends never hold up the
// acknowledgement.
func (s *Server) dispatch(resp domain.BotResponse) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.cfg.Dispatcher.Dispatch(s.base, resp); err != nil {
			s.logger.Error("callback dispatch failed", "chat", resp.Chat.ID, "err", err)
		}
	}()
}

func validate(resp domain.BotResponse) error {
	if resp.Chat.ID == "" {
		return fmt.Errorf("%w: chat.id is required", ErrMalformed)
	}
	return nil
}

// verifyHMAC checks a "sha256=<hex>" signature of body.
func verifyHMAC(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
