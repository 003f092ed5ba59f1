// Package browser drives the WhatsApp Web page through chromedp and exposes
// it as the host, media store and screen the bridge talks to.
package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"wabridge/internal/domain"
)

const (
	DefaultURL = "https://web.whatsapp.com/"

	bindingName          = "wabridgeEmit"
	batchBuffer          = 64
	defaultReadyPoll     = 3 * time.Second
	defaultReadyWait     = 5 * time.Minute
	defaultScreenshot    = "#main"
	loggedInSelector     = "#pane-side"
	userAgent            = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	viewportW, viewportH = 800, 900
)

//go:embed scripts/bridge.js
var glueScript string

var (
	ErrNotStarted      = errors.New("browser session not started")
	ErrNotReady        = errors.New("WhatsApp Web API did not become ready")
	ErrStickerRejected = errors.New("sticker send rejected")
)

// BatchHandler receives the JSON array of new messages the page emits.
type BatchHandler func(ctx context.Context, payload []byte)

// Config holds configuration for the browser session.
type Config struct {
	URL        string
	ProfileDir string // Chrome user data directory (persists the WhatsApp login)
	ChromePath string // optional Chrome executable
	ScriptPath string // WAPI script injected before the glue script
	Headless   bool
	ReadyPoll  time.Duration
	ReadyWait  time.Duration
	// Screenshot is the element captured by CaptureChat.
	Screenshot string
	Logger     *slog.Logger
}

// Session is one running WhatsApp Web page. It implements domain.Host,
// domain.MediaStore and domain.Screen.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	taskCtx context.Context
	cancel  context.CancelFunc
	batches chan []byte
}

var (
	_ domain.Host       = (*Session)(nil)
	_ domain.MediaStore = (*Session)(nil)
	_ domain.Screen     = (*Session)(nil)
)

func NewSession(cfg Config) *Session {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".wabridge", "profile")
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = defaultReadyPoll
	}
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = defaultReadyWait
	}
	if cfg.Screenshot == "" {
		cfg.Screenshot = defaultScreenshot
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: cfg.Logger}
}

// allocatorOptions builds the Chrome flags for the session's profile.
func (s *Session) allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(s.cfg.ProfileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.NoSandbox,
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(viewportW, viewportH),
	)
	if s.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(s.cfg.ChromePath))
	}
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

func (s *Session) newContext(parent context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(s.cfg.ProfileDir, 0o700); err != nil {
		s.logger.Error("failed to create profile dir", "dir", s.cfg.ProfileDir, "err", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, s.allocatorOptions(headless)...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// Start launches the browser, loads WhatsApp Web, waits for the page API
// and begins delivering new-message batches to onBatch in arrival order.
func (s *Session) Start(ctx context.Context, onBatch BatchHandler) error {
	wapi, err := os.ReadFile(s.cfg.ScriptPath)
	if err != nil {
		return fmt.Errorf("read WAPI script: %w", err)
	}

	mode := "normal"
	if s.cfg.Headless {
		mode = "headless"
	}
	s.logger.Info("launching browser", "mode", mode, "profile", s.cfg.ProfileDir)

	taskCtx, cancel := s.newContext(ctx, s.cfg.Headless)
	batches := make(chan []byte, batchBuffer)

	chromedp.ListenTarget(taskCtx, func(ev any) {
		switch e := ev.(type) {
		case *runtime.EventBindingCalled:
			if e.Name != bindingName {
				return
			}
			select {
			case batches <- []byte(e.Payload):
			default:
				s.logger.Warn("message batch dropped, handler is behind")
			}
		case *runtime.EventExceptionThrown:
			if e.ExceptionDetails != nil {
				s.logger.Debug("page exception", "text", e.ExceptionDetails.Text)
			}
		}
	})

	s.logger.Info("browsing to WhatsApp Web", "url", s.cfg.URL)
	if err := chromedp.Run(taskCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return page.SetBypassCSP(true).Do(ctx)
		}),
		chromedp.EmulateViewport(viewportW, viewportH),
		chromedp.Navigate(s.cfg.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		cancel()
		return fmt.Errorf("open WhatsApp Web: %w", err)
	}

	s.logger.Info("loading WAPI", "script", s.cfg.ScriptPath)
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(string(wapi), nil)); err != nil {
		cancel()
		return fmt.Errorf("inject WAPI: %w", err)
	}
	if err := s.waitReady(taskCtx); err != nil {
		cancel()
		return err
	}

	if err := chromedp.Run(taskCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return runtime.AddBinding(bindingName).Do(ctx)
		}),
		chromedp.Evaluate(glueScript, nil),
		chromedp.Evaluate(fmt.Sprintf("WABridge.start(%q)", bindingName), nil),
	); err != nil {
		cancel()
		return fmt.Errorf("install bridge script: %w", err)
	}

	s.mu.Lock()
	s.taskCtx, s.cancel, s.batches = taskCtx, cancel, batches
	s.mu.Unlock()

	go s.pump(taskCtx, batches, onBatch)
	s.logger.Info("listening for new messages")
	return nil
}

// waitReady polls WAPI.isReady, asking WAPI to discover its modules between checks.
func (s *Session) waitReady(ctx context.Context) error {
	s.logger.Info("checking WhatsApp Web API")
	deadline := time.Now().Add(s.cfg.ReadyWait)
	for {
		var ready bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(`!!(window.WAPI && window.WAPI.isReady())`, &ready)); err != nil {
			return fmt.Errorf("check WAPI: %w", err)
		}
		if ready {
			s.logger.Info("WhatsApp Web API detected")
			return nil
		}
		if time.Now().After(deadline) {
			return ErrNotReady
		}
		s.logger.Info("waiting for WhatsApp Web API")
		if err := chromedp.Run(ctx, chromedp.Evaluate(`window.WAPI && window.WAPI.autoDiscoverModules(), true`, nil)); err != nil {
			s.logger.Debug("module discovery failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.ReadyPoll):
		}
	}
}

func (s *Session) pump(ctx context.Context, batches <-chan []byte, onBatch BatchHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-batches:
			onBatch(ctx, payload)
		}
	}
}

// Done is closed when the browser session ends.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskCtx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.taskCtx.Done()
}

// Close shuts the browser down.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Login opens a visible browser so the user can scan the QR code. It returns
// once the chat list appears, which means the profile holds a session.
func (s *Session) Login(ctx context.Context) error {
	s.logger.Info("opening browser for login", "url", s.cfg.URL)

	taskCtx, cancel := s.newContext(ctx, false)
	defer cancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(s.cfg.URL)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	s.logger.Info("scan the QR code with your phone to log in")
	if err := chromedp.Run(taskCtx, chromedp.WaitVisible(loggedInSelector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait for login: %w", err)
	}

	s.logger.Info("login session saved", "profile", s.cfg.ProfileDir)
	return nil
}

// invoke calls a WABridge operation in the page and decodes its JSON result into out.
func (s *Session) invoke(ctx context.Context, op string, out any, args ...any) error {
	s.mu.Lock()
	taskCtx := s.taskCtx
	s.mu.Unlock()
	if taskCtx == nil {
		return ErrNotStarted
	}

	expr, err := invokeExpr(op, args...)
	if err != nil {
		return err
	}

	// Run on the session's browser context but stop when ctx does.
	runCtx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var raw string
	if err := chromedp.Run(runCtx, chromedp.Evaluate(expr, &raw, awaitPromise)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if out == nil || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func invokeExpr(op string, args ...any) (string, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("%s: encode arguments: %w", op, err)
	}
	name, _ := json.Marshal(op)
	return fmt.Sprintf("WABridge.invoke(%s, %s)", name, encoded), nil
}
