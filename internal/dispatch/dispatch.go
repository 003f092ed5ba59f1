// Package dispatch turns responder replies into chat sends.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wabridge/internal/domain"
)

const (
	defaultSettle = 2 * time.Second

	// StickerFailureText is sent when a sticker upload is rejected.
	StickerFailureText = "Error: Sticker could not be sent."
	// AttachmentMarker follows the text of an addressed reply with media.
	AttachmentMarker = "☝☝"
)

// ErrNoChat is returned for replies without a destination chat.
var ErrNoChat = errors.New("reply has no chat id")

// Config configures the dispatcher.
type Config struct {
	Host   domain.Host
	Logger *slog.Logger
	// Settle is the pause between a sticker and its caption.
	Settle time.Duration
}

// Dispatcher holds no mutable state and is safe for concurrent use.
type Dispatcher struct {
	host   domain.Host
	logger *slog.Logger
	settle time.Duration
}

func New(cfg Config) *Dispatcher {
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{host: cfg.Host, logger: cfg.Logger, settle: cfg.Settle}
}

// Dispatch sends resp to its chat.
func (d *Dispatcher) Dispatch(ctx context.Context, resp domain.BotResponse) error {
	chatID := resp.Chat.ID
	if chatID == "" {
		return ErrNoChat
	}

	text := resp.Text
	if resp.Error {
		text = "Error: " + text
	}

	att := resp.PrimaryAttachment()
	if att == nil {
		if resp.Addressee != "" {
			text = resp.Addressee + ": " + text
		}
		if text == "" {
			d.logger.Debug("empty reply, nothing to send", "chat", chatID)
			return nil
		}
		if err := d.host.SendText(ctx, chatID, text); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
		return nil
	}

	if resp.Addressee != "" {
		text = resp.Addressee + ": " + text + AttachmentMarker
	}
	if IsSticker(*att) {
		return d.sendSticker(ctx, chatID, *att, text)
	}
	if err := d.host.SendImage(ctx, chatID, *att, "file."+Extension(*att), text); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendSticker(ctx context.Context, chatID string, att domain.Attachment, caption string) error {
	if err := d.host.SendSticker(ctx, chatID, att); err != nil {
		d.logger.Warn("sticker send failed", "chat", chatID, "err", err)
		if err := d.host.SendText(ctx, chatID, StickerFailureText); err != nil {
			return fmt.Errorf("send sticker fallback: %w", err)
		}
		return nil
	}
	if caption == "" {
		return nil
	}

	timer := time.NewTimer(d.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if err := d.host.SendText(ctx, chatID, caption); err != nil {
		return fmt.Errorf("send sticker caption: %w", err)
	}
	return nil
}

// IsSticker reports whether att goes out through the sticker path.
func IsSticker(att domain.Attachment) bool {
	return att.Type == domain.KindSticker || att.MimeType == "image/webp"
}

// Extension picks the file extension media is uploaded with.
func Extension(att domain.Attachment) string {
	switch {
	case IsSticker(att):
		return "webp"
	case att.Type == domain.KindVideo || strings.HasPrefix(att.MimeType, "video/"):
		return "mp4"
	case att.Type == domain.KindPTT:
		return "ogg"
	default:
		return "jpg"
	}
}
