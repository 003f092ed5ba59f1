package domain

import "context"

// MediaStage is the chat store's readiness label for an attachment.
type MediaStage string

const (
	StageResolved MediaStage = "RESOLVED"
	StageNeedPoke MediaStage = "NEED_POKE"
)

// MediaView is the store's current view of a message's media.
type MediaView struct {
	ID       string     `json:"id"`
	Type     Kind       `json:"type"`
	MimeType string     `json:"mimeType,omitempty"`
	Stage    MediaStage `json:"mediaStage,omitempty"`
	// Inline holds the decrypted payload as a data URL when the store has
	// already staged it locally.
	Inline   string `json:"inline,omitempty"`
	URL      string `json:"url,omitempty"`
	MediaKey string `json:"mediaKey,omitempty"`
}

// Downloadable reports whether the view carries a complete remote descriptor.
func (v *MediaView) Downloadable() bool {
	return v.URL != "" && v.MediaKey != "" && v.MimeType != ""
}

// MediaStore is the narrow set of chat store operations the media resolver
// needs. GetMessage returns (nil, nil) when the message is not loaded.
type MediaStore interface {
	GetMessage(ctx context.Context, id string) (*MediaView, error)
	DownloadMedia(ctx context.Context, view MediaView) ([]byte, error)
	TriggerFetch(ctx context.Context, id string) error
	LoadEarlier(ctx context.Context, chatID string) error
	FocusChat(ctx context.Context, chatID string) error
}

// Host sends outbound messages into a chat.
type Host interface {
	SendText(ctx context.Context, chatID, text string) error
	SendImage(ctx context.Context, chatID string, att Attachment, filename, caption string) error
	// SendSticker uploads the sticker and sends it. A nil error means the
	// store acknowledged the send.
	SendSticker(ctx context.Context, chatID string, att Attachment) error
}

// Screen captures the active conversation view as PNG bytes.
type Screen interface {
	CaptureChat(ctx context.Context) ([]byte, error)
}
