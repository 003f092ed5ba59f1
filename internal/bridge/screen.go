package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wabridge/internal/dataurl"
	"wabridge/internal/domain"
	"wabridge/internal/journal"
	"wabridge/internal/router"
)

const (
	MomentNameMissingText = "Specify a name for the recording."
	MomentRecordedText    = "Moment recorded!"

	screenshotFilename = "screenshot.png"
)

func (b *Bridge) handleReserved(ctx context.Context, cmd router.ReservedCommand) {
	var caption string
	if cmd.Kind == router.ReservedMoment {
		name := strings.TrimSpace(cmd.Arg)
		if name == "" {
			b.sendText(ctx, cmd.ChatID, MomentNameMissingText)
			return
		}
		caption = cmd.Trigger + "record " + name
	}

	if err := b.sendScreenshot(ctx, cmd.ChatID, caption); err != nil {
		b.logger.Error("could not send screenshot", "chat", cmd.ChatID, "command", cmd.Kind, "err", err)
		return
	}
	b.record(ctx, journal.Exchange{ChatID: cmd.ChatID, Command: string(cmd.Kind) + " " + cmd.Arg, Status: journal.StatusReserved})

	if cmd.Kind == router.ReservedMoment {
		if !sleep(ctx, b.cfg.Settle) {
			return
		}
		b.sendText(ctx, cmd.ChatID, MomentRecordedText)
	}
}

// sendScreenshot opens the chat, lets the UI settle and sends a capture of
// the conversation pane.
func (b *Bridge) sendScreenshot(ctx context.Context, chatID, caption string) error {
	if err := b.cfg.Store.FocusChat(ctx, chatID); err != nil {
		return fmt.Errorf("focus chat: %w", err)
	}
	if !sleep(ctx, b.cfg.Settle) {
		return ctx.Err()
	}
	png, err := b.cfg.Screen.CaptureChat(ctx)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	att := domain.Attachment{
		Data:     dataurl.Encode("image/png", png),
		MimeType: "image/png",
		Type:     domain.KindImage,
	}
	if err := b.cfg.Host.SendImage(ctx, chatID, att, screenshotFilename, caption); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	return nil
}

func (b *Bridge) sendText(ctx context.Context, chatID, text string) {
	if err := b.cfg.Host.SendText(ctx, chatID, text); err != nil {
		b.logger.Error("could not send message", "chat", chatID, "err", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
