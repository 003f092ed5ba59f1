package domain

import (
	"encoding/json"
	"strings"
)

// BotRequest is the payload posted to the responder service.
type BotRequest struct {
	Text        string      `json:"text"`
	Sender      Sender      `json:"sender"`
	Chat        Chat        `json:"chat"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	CallbackURL string      `json:"callbackUrl"`
}

// BotResponse is a reply from the responder, either as the body of the
// synchronous call or posted to the callback endpoint.
type BotResponse struct {
	Text        string       `json:"text,omitempty"`
	Error       Flag         `json:"error,omitempty"`
	Addressee   string       `json:"addressee,omitempty"`
	Chat        Chat         `json:"chat"`
	Attachment  *Attachment  `json:"attachment,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// PrimaryAttachment returns the attachment to send, promoting the first
// element of Attachments when Attachment is absent.
func (r *BotResponse) PrimaryAttachment() *Attachment {
	if r.Attachment != nil {
		return r.Attachment
	}
	if len(r.Attachments) > 0 {
		att := r.Attachments[0]
		return &att
	}
	return nil
}

// Flag is a bool that also accepts the loosely typed values responders send
// for "error": strings, numbers and null.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(strings.ToLower(s))
		*f = Flag(s != "" && s != "false" && s != "0")
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = Flag(n != 0)
		return nil
	}
	// null, objects and arrays: objects and arrays are truthy.
	trimmed := strings.TrimSpace(string(data))
	*f = Flag(trimmed != "null" && trimmed != "")
	return nil
}
