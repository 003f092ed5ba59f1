package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"wabridge/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// chromeNames are the executables chromedp looks for when no path is set.
var chromeNames = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wabridge installation",
		Long: `Verifies that the configuration, browser, WAPI script, callback port,
bot endpoint and journal are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wabridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &report{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := config.LoadOrDefault(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if _, err := os.Stat(cfg.Browser.ScriptPath); err != nil {
				r.fail("WAPI script", fmt.Sprintf("not found: %s", cfg.Browser.ScriptPath))
			} else {
				r.pass("WAPI script", cfg.Browser.ScriptPath)
			}

			if chrome, err := findChrome(cfg.Browser.ChromePath); err != nil {
				r.fail("Chrome", err.Error())
			} else {
				r.pass("Chrome", chrome)
			}

			if info, err := os.Stat(cfg.Browser.ProfileDir); err != nil {
				r.warn("Browser profile", "not found, run 'wabridge login' to link WhatsApp")
			} else if !info.IsDir() {
				r.fail("Browser profile", fmt.Sprintf("not a directory: %s", cfg.Browser.ProfileDir))
			} else {
				r.pass("Browser profile", cfg.Browser.ProfileDir)
			}

			if err := checkPort(cfg.Callback.Port); err != nil {
				r.warn("Callback port", fmt.Sprintf("port %d may be in use: %v", cfg.Callback.Port, err))
			} else {
				r.pass("Callback port", fmt.Sprintf(":%d available", cfg.Callback.Port))
			}

			if err := checkReachable(cfg.Bot.URL); err != nil {
				r.warn("Bot endpoint", err.Error())
			} else {
				r.pass("Bot endpoint", cfg.Bot.URL)
			}

			if cfg.Journal.Enabled {
				if err := checkDatabase(cfg.Journal.DBPath); err != nil {
					r.fail("Journal", err.Error())
				} else {
					r.pass("Journal", cfg.Journal.DBPath)
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *report) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *report) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running the bridge.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nThe bridge should start but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! Run 'wabridge run' to start.\n")
	}
	return nil
}

func findChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("not found: %s", configured)
		}
		return configured, nil
	}
	for _, name := range chromeNames {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no Chrome or Chromium on PATH (set browser.chromePath or CHROME_PATH)")
}

func checkReachable(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	host := u.Host
	if u.Port() == "" {
		port := 80
		if u.Scheme == "https" {
			port = 443
		}
		host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	conn, err := net.DialTimeout("tcp", host, 3*time.Second)
	if err != nil {
		return fmt.Errorf("%s unreachable: %v", host, err)
	}
	conn.Close()
	return nil
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
