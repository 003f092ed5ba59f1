package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wabridge/internal/botclient"
	"wabridge/internal/bridge"
	"wabridge/internal/browser"
	"wabridge/internal/bus"
	"wabridge/internal/callback"
	"wabridge/internal/config"
	"wabridge/internal/dispatch"
	"wabridge/internal/domain"
	"wabridge/internal/journal"
	"wabridge/internal/logging"
	"wabridge/internal/metrics"
	"wabridge/internal/resolver"
	"wabridge/internal/router"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var headless bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bridge (browser session + callback server)",
		Long:  "Opens WhatsApp Web, forwards addressed messages to the bot and serves the callback endpoint. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if headless {
				cfg.Browser.Mode = "headless"
			}
			return runBridge(cfg)
		},
	}
	cmd.Flags().BoolVar(&headless, "headless", false, "run Chrome without a window")
	return cmd
}

func newSession(cfg *config.Config, log *slog.Logger) *browser.Session {
	return browser.NewSession(browser.Config{
		URL:        cfg.Browser.URL,
		ProfileDir: cfg.Browser.ProfileDir,
		ChromePath: cfg.Browser.ChromePath,
		ScriptPath: cfg.Browser.ScriptPath,
		Headless:   cfg.Browser.Headless(),
		ReadyPoll:  time.Duration(cfg.Browser.ReadyPollSeconds) * time.Second,
		ReadyWait:  time.Duration(cfg.Browser.ReadyTimeoutSecs) * time.Second,
		Screenshot: cfg.Browser.ScreenshotElement,
		Logger:     log.With("component", "browser"),
	})
}

func runBridge(cfg *config.Config) error {
	log, closer, err := logging.New(cfg.General)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus(log)
	queue := bus.New(cfg.Bridge.QueueSize, log)
	defer queue.Close()

	collector := metrics.NewCollector()
	events.On("*", metrics.NewBridge(collector).Observe)

	var store bridge.Journal
	if cfg.Journal.Enabled {
		js, err := journal.NewSQLiteStore(cfg.Journal.DBPath, log)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer js.Close()
		store = js
		log.Info("journal enabled", "path", cfg.Journal.DBPath)
	}

	session := newSession(cfg, log)
	defer session.Close()

	dispatcher := dispatch.New(dispatch.Config{
		Host:   session,
		Logger: log.With("component", "dispatch"),
		Settle: cfg.Dispatch.Settle(),
	})

	rt := router.New(router.Config{
		Triggers:      cfg.Router.Triggers,
		Aliases:       cfg.Router.Aliases,
		NaturalMarker: cfg.Router.NaturalMarker,
		Screenshot:    cfg.Router.Screenshot,
		Moment:        cfg.Router.Moment,
	})

	// The resolver and callback server hand work back to the bridge, which
	// is built last.
	var br *bridge.Bridge

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = collector.Handler()
	}
	server := callback.New(callback.Config{
		Host:       cfg.Callback.Host,
		Port:       cfg.Callback.Port,
		Path:       cfg.Callback.Path,
		MaxBody:    cfg.Callback.MaxBodyBytes,
		Secret:     cfg.Callback.Secret,
		Dispatcher: dispatcherFunc(func(ctx context.Context, resp domain.BotResponse) error { return br.Dispatch(ctx, resp) }),
		Metrics:    metricsHandler,
		Events:     events.Handler(),
		Logger:     log.With("component", "callback"),
		OnReceived: func() {
			events.Emit(bus.Event{Type: bus.EventCallbackReceived, Source: "callback"})
		},
		OnMalformed: func() {
			events.Emit(bus.Event{Type: bus.EventCallbackMalformed, Source: "callback"})
		},
	})

	client := botclient.New(botclient.Config{
		URL:         cfg.Bot.URL,
		CallbackURL: server.URL(),
		Timeout:     cfg.Bot.Timeout(),
		Logger:      log.With("component", "botclient"),
	})

	res := resolver.New(resolver.Config{
		Store: session,
		Deliver: func(ctx context.Context, msg domain.Message) {
			br.Deliver(ctx, msg)
		},
		Observer: func(ev resolver.Event) {
			br.ObserveResolver(ev)
		},
		Logger:         log.With("component", "resolver"),
		SelfInterval:   cfg.Resolver.SelfInterval(),
		SelfAttempts:   cfg.Resolver.SelfAttempts,
		QuotedInterval: cfg.Resolver.QuotedInterval(),
		QuotedAttempts: cfg.Resolver.QuotedAttempts,
		FetchExtension: cfg.Resolver.FetchExtension,
		BackfillPages:  cfg.Resolver.BackfillPages,
	})

	br = bridge.New(bridge.Config{
		Router:        rt,
		Resolver:      res,
		Responder:     client,
		Dispatcher:    dispatcher,
		Queue:         queue,
		Host:          session,
		Store:         session,
		Screen:        session,
		Events:        events,
		Journal:       store,
		Logger:        log.With("component", "bridge"),
		MaxConcurrent: cfg.Bridge.MaxConcurrent,
		Settle:        cfg.Dispatch.Settle(),
	})

	routed := make(chan struct{})
	go func() {
		defer close(routed)
		br.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	if err := session.Start(ctx, br.OnBatch); err != nil {
		stop()
		<-routed
		<-serverErr
		return fmt.Errorf("browser session: %w", err)
	}

	log.Info("bridge started. Press Ctrl+C to stop.",
		"bot", cfg.Bot.URL, "callback", server.URL(), "triggers", cfg.Router.Triggers)

	select {
	case <-ctx.Done():
		log.Info("shutting down bridge...")
	case <-session.Done():
		log.Warn("browser session ended")
	case err := <-serverErr:
		log.Error("callback server stopped", "err", err)
	}
	stop()

	const shutdownTimeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-routed
		res.Wait()
		server.Wait()
	}()

	select {
	case <-done:
		log.Info("bridge stopped")
		return nil
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", shutdownTimeout)
	}
}

type dispatcherFunc func(ctx context.Context, resp domain.BotResponse) error

func (f dispatcherFunc) Dispatch(ctx context.Context, resp domain.BotResponse) error {
	return f(ctx, resp)
}
