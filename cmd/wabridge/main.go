package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"wabridge/internal/config"
	"wabridge/internal/journal"

	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "wabridge",
		Short:   "wabridge: connect a WhatsApp Web session to a bot service",
		Long:    "wabridge drives WhatsApp Web in Chrome, forwards addressed messages to a bot over HTTP and sends its replies back to the chat.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.wabridge/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(configCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(doctorCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			profile := config.ExpandPath(cfg.Browser.ProfileDir)
			if err := os.MkdirAll(profile, 0o700); err != nil {
				return fmt.Errorf("create profile dir: %w", err)
			}
			logger.Info("initialized", "config", cfgPath, "profile", profile)
			logger.Info("place your WAPI script at the configured path", "script", cfg.Browser.ScriptPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Open a visible browser to link WhatsApp Web",
		Long:  "Opens Chrome on WhatsApp Web so you can scan the QR code. The session is kept in the profile directory for later runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session := newSession(cfg, logger)
			if err := session.Login(ctx); err != nil {
				return err
			}
			logger.Info("logged in", "profile", cfg.Browser.ProfileDir)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. bot.url)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: `Set a config value (e.g. router.triggers '["!","/"]')`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	var flat bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			if flat {
				paths := config.ListPaths(sanitized)
				for _, p := range config.SortedPaths(paths) {
					val, _ := json.Marshal(paths[p])
					fmt.Printf("%s = %s\n", p, val)
				}
				return nil
			}
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	list.Flags().BoolVar(&flat, "flat", false, "print one settable path per line")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func historyCmd() *cobra.Command {
	var (
		chatID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent bot exchanges from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if _, err := os.Stat(cfg.Journal.DBPath); err != nil {
				return fmt.Errorf("no journal at %s (enable journal.enabled and run the bridge first)", cfg.Journal.DBPath)
			}
			store, err := journal.NewSQLiteStore(cfg.Journal.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			exchanges, err := store.Recent(cmd.Context(), chatID, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tCHAT\tSTATUS\tLATENCY\tCOMMAND")
			for _, ex := range exchanges {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n",
					ex.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					ex.ChatID, ex.Status, ex.LatencyMs, truncate(ex.Command, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "only show exchanges for this chat id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of exchanges to show")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
