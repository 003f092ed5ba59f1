package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"wabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sent struct {
	kind     string
	chatID   string
	text     string
	filename string
	att      domain.Attachment
}

type mockHost struct {
	mu         sync.Mutex
	sent       []sent
	stickerErr error
}

func (m *mockHost) SendText(ctx context.Context, chatID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{kind: "text", chatID: chatID, text: text})
	return nil
}

func (m *mockHost) SendImage(ctx context.Context, chatID string, att domain.Attachment, filename, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{kind: "image", chatID: chatID, text: caption, filename: filename, att: att})
	return nil
}

func (m *mockHost) SendSticker(ctx context.Context, chatID string, att domain.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stickerErr != nil {
		return m.stickerErr
	}
	m.sent = append(m.sent, sent{kind: "sticker", chatID: chatID, att: att})
	return nil
}

func newTestDispatcher(host *mockHost) *Dispatcher {
	return New(Config{Host: host, Logger: testLogger(), Settle: time.Millisecond})
}

func TestDispatch_Text(t *testing.T) {
	host := &mockHost{}
	err := newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{Text: "hi", Chat: domain.Chat{ID: "c1"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(host.sent) != 1 || host.sent[0].kind != "text" || host.sent[0].text != "hi" || host.sent[0].chatID != "c1" {
		t.Errorf("unexpected sends: %+v", host.sent)
	}
}

func TestDispatch_ErrorAndAddressee(t *testing.T) {
	host := &mockHost{}
	newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{
		Text: "unknown command", Error: true, Addressee: "Alice", Chat: domain.Chat{ID: "c1"},
	})
	if host.sent[0].text != "Alice: Error: unknown command" {
		t.Errorf("unexpected text %q", host.sent[0].text)
	}
}

func TestDispatch_PromotesAttachments(t *testing.T) {
	host := &mockHost{}
	img := domain.Attachment{Data: "data:image/png;base64,AA==", MimeType: "image/png", Type: domain.KindImage}
	newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{
		Text: "here", Chat: domain.Chat{ID: "c1"}, Attachments: []domain.Attachment{img},
	})
	if len(host.sent) != 1 || host.sent[0].kind != "image" {
		t.Fatalf("expected an image send, got %+v", host.sent)
	}
	if host.sent[0].filename != "file.jpg" || host.sent[0].text != "here" || host.sent[0].att.Data != img.Data {
		t.Errorf("unexpected image send: %+v", host.sent[0])
	}
}

func TestDispatch_AttachmentWithAddressee(t *testing.T) {
	host := &mockHost{}
	newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{
		Text: "look", Addressee: "Bob", Chat: domain.Chat{ID: "c1"},
		Attachment: &domain.Attachment{Data: "data:video/mp4;base64,AA==", Type: domain.KindVideo},
	})
	s := host.sent[0]
	if s.text != "Bob: look☝☝" || s.filename != "file.mp4" {
		t.Errorf("unexpected send: %+v", s)
	}
}

func TestDispatch_StickerWithCaption(t *testing.T) {
	host := &mockHost{}
	err := newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{
		Text: "lol", Chat: domain.Chat{ID: "c1"},
		Attachment: &domain.Attachment{Data: "data:image/webp;base64,AA==", MimeType: "image/webp"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(host.sent) != 2 || host.sent[0].kind != "sticker" || host.sent[1].text != "lol" {
		t.Errorf("expected sticker then caption, got %+v", host.sent)
	}
}

func TestDispatch_StickerFailure(t *testing.T) {
	host := &mockHost{stickerErr: errors.New("upload rejected")}
	newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{
		Text: "lol", Chat: domain.Chat{ID: "c1"},
		Attachment: &domain.Attachment{Data: "x", Type: domain.KindSticker},
	})
	if len(host.sent) != 1 || host.sent[0].text != StickerFailureText {
		t.Errorf("expected only the fallback text, got %+v", host.sent)
	}
}

func TestDispatch_StickerCaptionCanceled(t *testing.T) {
	host := &mockHost{}
	d := New(Config{Host: host, Logger: testLogger(), Settle: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Dispatch(ctx, domain.BotResponse{
		Text: "lol", Chat: domain.Chat{ID: "c1"},
		Attachment: &domain.Attachment{Data: "x", Type: domain.KindSticker},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v", err)
	}
	if len(host.sent) != 1 {
		t.Errorf("caption must not be sent after cancel: %+v", host.sent)
	}
}

func TestDispatch_NoChat(t *testing.T) {
	host := &mockHost{}
	if err := newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{Text: "x"}); !errors.Is(err, ErrNoChat) {
		t.Errorf("expected ErrNoChat, got %v", err)
	}
	if len(host.sent) != 0 {
		t.Error("nothing should be sent")
	}
}

func TestDispatch_EmptyTextSkipped(t *testing.T) {
	host := &mockHost{}
	newTestDispatcher(host).Dispatch(context.Background(), domain.BotResponse{Chat: domain.Chat{ID: "c1"}})
	if len(host.sent) != 0 {
		t.Errorf("empty reply should not be sent: %+v", host.sent)
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		att  domain.Attachment
		want string
	}{
		{domain.Attachment{Type: domain.KindSticker}, "webp"},
		{domain.Attachment{MimeType: "image/webp"}, "webp"},
		{domain.Attachment{Type: domain.KindVideo}, "mp4"},
		{domain.Attachment{MimeType: "video/mp4"}, "mp4"},
		{domain.Attachment{MimeType: "video/3gpp"}, "mp4"},
		{domain.Attachment{Type: domain.KindImage, MimeType: "video/quicktime"}, "mp4"},
		{domain.Attachment{Type: domain.KindPTT, MimeType: "audio/ogg"}, "ogg"},
		{domain.Attachment{Type: domain.KindImage, MimeType: "image/png"}, "jpg"},
		{domain.Attachment{}, "jpg"},
	}
	for _, tt := range tests {
		if got := Extension(tt.att); got != tt.want {
			t.Errorf("Extension(%+v) = %s, want %s", tt.att, got, tt.want)
		}
	}
}
