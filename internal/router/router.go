// Package router decides whether a chat message is addressed to the bridge
// and turns addressed messages into responder requests.
package router

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"wabridge/internal/domain"
)

const (
	// PlaceholderSender is replaced with the sender's id.
	PlaceholderSender = "$user"
	// PlaceholderQuotedSender is replaced with the quoted message's sender id.
	PlaceholderQuotedSender = "$quoteUser"

	DefaultNaturalMarker = "natural"
	DefaultScreenshot    = "screenshot"
	DefaultMoment        = "record-moment"
)

// Reserved identifies a command the bridge handles itself.
type Reserved string

const (
	ReservedScreenshot Reserved = "screenshot"
	ReservedMoment     Reserved = "moment"
)

// ReservedCommand is a screen capture request that bypasses the responder.
type ReservedCommand struct {
	Kind    Reserved
	Trigger string // trigger character the command was issued with
	Arg     string // command argument, e.g. the moment name
	ChatID  string
}

// Decision is the outcome of routing one message. Both fields nil means the
// message is not for the bridge.
type Decision struct {
	Request  *domain.BotRequest
	Reserved *ReservedCommand
}

// Dropped reports whether the message is ignored.
func (d Decision) Dropped() bool {
	return d.Request == nil && d.Reserved == nil
}

// Config lists the addressing grammar.
type Config struct {
	Triggers      []string // single characters that start a command
	Aliases       []string // names that address the bridge as "alias:"
	NaturalMarker string   // command text used for alias-addressed messages
	Screenshot    string   // reserved command names
	Moment        string
}

// Router is stateless; Route depends only on its input and the config.
type Router struct {
	triggers []rune
	aliases  []string
	natural  string
	reserved map[string]Reserved
}

func New(cfg Config) *Router {
	r := &Router{
		aliases:  slices.Clone(cfg.Aliases),
		natural:  cfg.NaturalMarker,
		reserved: make(map[string]Reserved, 2),
	}
	for _, t := range cfg.Triggers {
		if c, _ := utf8.DecodeRuneInString(t); c != utf8.RuneError {
			r.triggers = append(r.triggers, c)
		}
	}
	if r.natural == "" {
		r.natural = DefaultNaturalMarker
	}
	if cfg.Screenshot == "" {
		cfg.Screenshot = DefaultScreenshot
	}
	if cfg.Moment == "" {
		cfg.Moment = DefaultMoment
	}
	r.reserved[cfg.Screenshot] = ReservedScreenshot
	r.reserved[cfg.Moment] = ReservedMoment
	return r
}

// Route applies the addressing grammar to msg.
func (r *Router) Route(msg domain.Message) Decision {
	first, rest := Split(msg.Text)
	first = strings.TrimSpace(first)
	if first == "" {
		return Decision{}
	}
	rest = Qualify(rest, msg)

	trigger, hasTrigger := r.trigger(first)
	isDirected := false
	if !hasTrigger {
		isDirected = r.directed(first)
		if !isDirected {
			return Decision{}
		}
	}

	if hasTrigger {
		name := first[len(trigger):]
		if kind, ok := r.reserved[name]; ok {
			return Decision{Reserved: &ReservedCommand{Kind: kind, Trigger: trigger, Arg: rest, ChatID: msg.Chat.ID}}
		}
	}

	attachment := extract(msg, &rest)
	req := &domain.BotRequest{
		Sender: domain.Sender{ID: msg.Sender.ID, Name: msg.Sender.Name, ShortName: msg.Sender.ShortName, IsMe: msg.Sender.IsMe},
		Chat:   domain.Chat{ID: msg.Chat.ID},
	}
	if hasTrigger {
		req.Text = Join(first[len(trigger):], rest)
		req.Attachment = attachment
	} else {
		// Alias-addressed messages are free text; attachments are not forwarded.
		req.Text = Join(r.natural, rest)
	}
	if req.Text == "" {
		return Decision{}
	}
	return Decision{Request: req}
}

func (r *Router) trigger(first string) (string, bool) {
	c, size := utf8.DecodeRuneInString(first)
	if slices.Contains(r.triggers, c) {
		return first[:size], true
	}
	return "", false
}

func (r *Router) directed(first string) bool {
	name, ok := strings.CutSuffix(first, ":")
	return ok && slices.Contains(r.aliases, name)
}

// extract picks the attachment for msg and appends quoted text to rest.
func extract(msg domain.Message, rest *string) *domain.Attachment {
	if msg.Type == domain.KindImage || msg.Type == domain.KindVideo {
		return msg.Attachment()
	}
	if msg.Quoted == nil {
		return nil
	}
	*rest = Join(*rest, msg.Quoted.Text())
	return msg.Quoted.Attachment()
}

// Split separates the first whitespace-delimited word from the remainder.
func Split(text string) (string, string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	_, size := utf8.DecodeRuneInString(text[i:])
	return text[:i], text[i+size:]
}

// Join concatenates two non-empty parts with a single space.
func Join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

// Qualify substitutes the sender placeholders in text.
func Qualify(text string, msg domain.Message) string {
	if msg.Quoted != nil && msg.Quoted.SenderID != "" {
		text = strings.ReplaceAll(text, PlaceholderQuotedSender, msg.Quoted.SenderID)
	}
	if msg.Sender.ID != "" {
		text = strings.ReplaceAll(text, PlaceholderSender, msg.Sender.ID)
	}
	return text
}
