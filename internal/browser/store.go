package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"

	"wabridge/internal/dataurl"
	"wabridge/internal/domain"
)

// GetMessage returns the store's view of a message, or nil when it is not loaded.
func (s *Session) GetMessage(ctx context.Context, id string) (*domain.MediaView, error) {
	var view *domain.MediaView
	if err := s.invoke(ctx, "getMessage", &view, id); err != nil {
		return nil, err
	}
	return view, nil
}

// DownloadMedia fetches and decrypts the remote payload in the page.
func (s *Session) DownloadMedia(ctx context.Context, view domain.MediaView) ([]byte, error) {
	var encoded string
	if err := s.invoke(ctx, "downloadMedia", &encoded, view); err != nil {
		return nil, err
	}
	_, data, err := dataurl.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("downloadMedia: %w", err)
	}
	return data, nil
}

func (s *Session) TriggerFetch(ctx context.Context, id string) error {
	return s.invoke(ctx, "triggerFetch", nil, id)
}

func (s *Session) LoadEarlier(ctx context.Context, chatID string) error {
	return s.invoke(ctx, "loadEarlier", nil, chatID)
}

func (s *Session) FocusChat(ctx context.Context, chatID string) error {
	return s.invoke(ctx, "focusChat", nil, chatID)
}

func (s *Session) SendText(ctx context.Context, chatID, text string) error {
	return s.invoke(ctx, "sendText", nil, chatID, text)
}

func (s *Session) SendImage(ctx context.Context, chatID string, att domain.Attachment, filename, caption string) error {
	return s.invoke(ctx, "sendImage", nil, chatID, att.Data, filename, caption)
}

// SendSticker uploads att as a sticker. The page reports whether the store accepted it.
func (s *Session) SendSticker(ctx context.Context, chatID string, att domain.Attachment) error {
	var ok bool
	if err := s.invoke(ctx, "sendSticker", &ok, chatID, att.Data); err != nil {
		return err
	}
	if !ok {
		return ErrStickerRejected
	}
	return nil
}

// CaptureChat screenshots the conversation pane as PNG.
func (s *Session) CaptureChat(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	taskCtx := s.taskCtx
	s.mu.Unlock()
	if taskCtx == nil {
		return nil, ErrNotStarted
	}

	runCtx, cancel := context.WithCancel(taskCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	if err := chromedp.Run(runCtx, chromedp.Screenshot(s.cfg.Screenshot, &buf, chromedp.NodeVisible, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", s.cfg.Screenshot, err)
	}
	return buf, nil
}
