package domain

// Kind is the message type reported by the chat store.
type Kind string

const (
	KindChat    Kind = "chat"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindPTT     Kind = "ptt"
	KindSticker Kind = "sticker"
)

// IsMedia reports whether messages of this kind carry an attachment.
func (k Kind) IsMedia() bool {
	switch k {
	case KindImage, KindVideo, KindPTT, KindSticker:
		return true
	}
	return false
}

// Sender identifies the author of a message.
type Sender struct {
	ID        string `json:"id"`
	UserID    string `json:"userId,omitempty"`
	Name      string `json:"name,omitempty"`
	ShortName string `json:"shortName,omitempty"`
	IsMe      bool   `json:"isMe"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID      string `json:"id"`
	ChatID  string `json:"chatId,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// MediaRef is the remote descriptor of an attachment that has not been
// downloaded yet. Only stickers forward it to the responder.
type MediaRef struct {
	URL        string `json:"url,omitempty"`
	MediaKey   string `json:"mediaKey,omitempty"`
	FileHash   string `json:"filehash,omitempty"`
	UploadHash string `json:"uploadhash,omitempty"`
}

// Attachment is a media payload travelling to or from the responder.
// Data is a base64 data URL.
type Attachment struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType,omitempty"`
	Type     Kind   `json:"type,omitempty"`
	MediaRef
}

// Message is the canonical form of an inbound chat event.
type Message struct {
	ID       string         `json:"id"`
	Sender   Sender         `json:"sender"`
	Chat     Chat           `json:"chat"`
	Type     Kind           `json:"type"`
	MimeType string         `json:"mimeType,omitempty"`
	Body     string         `json:"body,omitempty"`
	Text     string         `json:"text,omitempty"`
	Quoted   *QuotedMessage `json:"quoted,omitempty"`
}

// Attachment returns the message's own media, or nil for non-media kinds.
func (m Message) Attachment() *Attachment {
	if !m.Type.IsMedia() {
		return nil
	}
	return &Attachment{Data: m.Body, MimeType: m.MimeType, Type: m.Type}
}

// QuotedMessage is the message a reply refers to.
type QuotedMessage struct {
	ID       string `json:"id"`
	Type     Kind   `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	Body     string `json:"body,omitempty"`
	Caption  string `json:"caption,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	MediaRef
}

// Text returns what the quote says: the body of a chat message, the caption
// of anything else.
func (q *QuotedMessage) Text() string {
	if q == nil {
		return ""
	}
	if q.Type == KindChat {
		return q.Body
	}
	return q.Caption
}

// Attachment returns the quote's media. The remote descriptor is carried only
// for stickers, which the responder may re-send by reference.
func (q *QuotedMessage) Attachment() *Attachment {
	if q == nil || !q.Type.IsMedia() {
		return nil
	}
	att := &Attachment{Data: q.Body, MimeType: q.MimeType, Type: q.Type}
	if q.Type == KindSticker {
		att.MediaRef = q.MediaRef
	}
	return att
}
