// Package message converts raw chat store events into domain messages.
package message

import (
	"encoding/json"
	"strings"

	"wabridge/internal/dataurl"
	"wabridge/internal/domain"
)

// RawMessage is a chat event as serialized by the page glue script.
type RawMessage struct {
	ID         string      `json:"id"`
	Sender     RawSender   `json:"sender"`
	Chat       RawChat     `json:"chat"`
	Type       domain.Kind `json:"type"`
	MimeType   string      `json:"mimeType"`
	Body       string      `json:"body"`
	Caption    string      `json:"caption"`
	IsGroupMsg bool        `json:"isGroupMsg"`
	Quoted     *RawQuoted  `json:"quoted"`
}

type RawSender struct {
	ID        string `json:"id"`
	User      string `json:"user"`
	Name      string `json:"formattedName"`
	ShortName string `json:"shortName"`
	IsMe      bool   `json:"isMe"`
}

type RawChat struct {
	ID      string `json:"id"`
	User    string `json:"user"`
	IsGroup bool   `json:"isGroup"`
}

type RawQuoted struct {
	ID         string      `json:"id"`
	Type       domain.Kind `json:"type"`
	MimeType   string      `json:"mimeType"`
	Body       string      `json:"body"`
	Caption    string      `json:"caption"`
	URL        string      `json:"url"`
	MediaKey   string      `json:"mediaKey"`
	FileHash   string      `json:"filehash"`
	UploadHash string      `json:"uploadhash"`
	SenderID   string      `json:"senderId"`
}

// Normalize builds the canonical message for a raw event. It never fails;
// absent fields stay empty.
func Normalize(raw RawMessage) domain.Message {
	msg := domain.Message{
		ID: raw.ID,
		Sender: domain.Sender{
			ID:        raw.Sender.ID,
			UserID:    raw.Sender.User,
			Name:      raw.Sender.Name,
			ShortName: raw.Sender.ShortName,
			IsMe:      raw.Sender.IsMe,
		},
		Chat: domain.Chat{
			ID:      raw.Chat.ID,
			ChatID:  raw.Chat.User,
			IsGroup: raw.Chat.IsGroup || raw.IsGroupMsg,
		},
		Type:     raw.Type,
		MimeType: raw.MimeType,
		Body:     raw.Body,
	}
	if raw.Type == domain.KindChat {
		msg.Text = raw.Body
	} else {
		msg.Text = raw.Caption
	}

	if q := raw.Quoted; q != nil && q.Type != "" {
		msg.Quoted = &domain.QuotedMessage{
			ID:       q.ID,
			Type:     q.Type,
			MimeType: q.MimeType,
			Body:     q.Body,
			Caption:  q.Caption,
			SenderID: q.SenderID,
			MediaRef: domain.MediaRef{
				URL:        q.URL,
				MediaKey:   q.MediaKey,
				FileHash:   q.FileHash,
				UploadHash: q.UploadHash,
			},
		}
	}
	return msg
}

// Target says which media a pending event is waiting for.
type Target int

const (
	TargetNone Target = iota
	TargetSelf
	TargetQuoted
)

func (t Target) String() string {
	switch t {
	case TargetSelf:
		return "self"
	case TargetQuoted:
		return "quoted"
	default:
		return "none"
	}
}

// Pending reports whether the event's media must be resolved before it can
// be routed. Only payloads already spliced in as data URLs count as present.
func Pending(raw RawMessage) Target {
	switch raw.Type {
	case domain.KindChat:
		if q := raw.Quoted; q != nil && q.Type.IsMedia() && !dataurl.Is(q.Body) {
			return TargetQuoted
		}
	case domain.KindImage, domain.KindVideo:
		if !dataurl.Is(raw.Body) {
			return TargetSelf
		}
	}
	return TargetNone
}

// Routable reports whether an event can ever be addressed to the bridge.
// Only chat messages and captioned images or videos qualify.
func Routable(raw RawMessage) bool {
	switch raw.Type {
	case domain.KindChat:
		return true
	case domain.KindImage, domain.KindVideo:
		return strings.TrimSpace(raw.Caption) != ""
	}
	return false
}

// WithMedia returns a copy of raw with the resolved payload spliced into the
// body the target refers to.
func WithMedia(raw RawMessage, target Target, data string) RawMessage {
	switch target {
	case TargetSelf:
		raw.Body = data
	case TargetQuoted:
		if raw.Quoted != nil {
			q := *raw.Quoted
			q.Body = data
			raw.Quoted = &q
		}
	}
	return raw
}

// DecodeBatch parses a batch delivered by the page. Anything that is not a
// JSON array yields no messages.
func DecodeBatch(payload []byte) ([]RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	out := make([]RawMessage, 0, len(items))
	for _, item := range items {
		var raw RawMessage
		if err := json.Unmarshal(item, &raw); err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out, nil
}

// Inspect renders a value as JSON with long data payloads shortened.
func Inspect(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return string(data)
	}
	out, _ := json.Marshal(truncateData(generic))
	return string(out)
}

func truncateData(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if s, ok := child.(string); ok && k == "data" {
				val[k] = dataurl.Truncate(s, 50)
				continue
			}
			val[k] = truncateData(child)
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = truncateData(child)
		}
		return val
	default:
		return v
	}
}
