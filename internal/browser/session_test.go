package browser

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"wabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestInvokeExpr(t *testing.T) {
	expr, err := invokeExpr("sendText", "123@c.us", `say "hi"`)
	if err != nil {
		t.Fatal(err)
	}
	want := `WABridge.invoke("sendText", ["123@c.us","say \"hi\""])`
	if expr != want {
		t.Fatalf("got %s\nwant %s", expr, want)
	}

	expr, _ = invokeExpr("getMessage")
	if !strings.HasSuffix(expr, "[])") {
		t.Errorf("no-arg call should pass an empty array: %s", expr)
	}
}

func TestInvokeExpr_StructArgument(t *testing.T) {
	view := domain.MediaView{ID: "m1", Type: domain.KindImage, MimeType: "image/jpeg", URL: "https://mmg/x", MediaKey: "k"}
	expr, err := invokeExpr("downloadMedia", view)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"url":"https://mmg/x"`, `"mediaKey":"k"`, `"mimeType":"image/jpeg"`, `"type":"image"`} {
		if !strings.Contains(expr, want) {
			t.Errorf("missing %s in %s", want, expr)
		}
	}
}

func TestGlueScriptEmbedded(t *testing.T) {
	for _, want := range []string{"window.WABridge", "invoke", "waitNewMessages", "getMessage", "sendSticker"} {
		if !strings.Contains(glueScript, want) {
			t.Errorf("glue script missing %q", want)
		}
	}
}

func TestNewSessionDefaults(t *testing.T) {
	s := NewSession(Config{ProfileDir: t.TempDir(), Logger: testLogger()})
	if s.cfg.URL != DefaultURL {
		t.Errorf("url: %q", s.cfg.URL)
	}
	if s.cfg.Screenshot != "#main" {
		t.Errorf("screenshot selector: %q", s.cfg.Screenshot)
	}
	if s.cfg.ReadyPoll != defaultReadyPoll {
		t.Errorf("ready poll: %v", s.cfg.ReadyPoll)
	}
}

func TestAllocatorOptions(t *testing.T) {
	s := NewSession(Config{ProfileDir: t.TempDir(), Logger: testLogger()})
	base := len(s.allocatorOptions(true))

	s = NewSession(Config{ProfileDir: t.TempDir(), ChromePath: "/usr/bin/chromium", Logger: testLogger()})
	if got := len(s.allocatorOptions(true)); got != base+1 {
		t.Fatalf("expected exec path option, got %d options want %d", got, base+1)
	}
}

func TestNotStarted(t *testing.T) {
	s := NewSession(Config{ProfileDir: t.TempDir(), Logger: testLogger()})
	ctx := context.Background()

	if _, err := s.GetMessage(ctx, "m1"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("GetMessage: expected ErrNotStarted, got %v", err)
	}
	if err := s.SendText(ctx, "c1", "hi"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("SendText: expected ErrNotStarted, got %v", err)
	}
	if _, err := s.CaptureChat(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("CaptureChat: expected ErrNotStarted, got %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed for a session that never started")
	}
	s.Close()
}

func TestStartMissingScript(t *testing.T) {
	s := NewSession(Config{ProfileDir: t.TempDir(), ScriptPath: "/nonexistent/wapi.js", Logger: testLogger()})
	if err := s.Start(context.Background(), func(context.Context, []byte) {}); err == nil {
		t.Fatal("expected error for missing WAPI script")
	}
}
