package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Target returns where replies to this message should go.
func (m *Message) Target() ChatTarget {
	if m == nil {
		return ChatTarget{}
	}
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// OwnerID renders the target in the form stored as a subscription owner:
// "<chat_id>" or "<chat_id>:<thread_id>".
func (t ChatTarget) OwnerID() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseOwnerID is the inverse of ChatTarget.OwnerID.
func ParseOwnerID(s string) (ChatTarget, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ChatTarget{}, fmt.Errorf("owner id is empty")
	}
	chat, thread, hasThread := strings.Cut(s, ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, fmt.Errorf("invalid owner id %q", s)
	}
	t := ChatTarget{ChatID: id}
	if hasThread {
		tid, err := strconv.Atoi(thread)
		if err != nil || tid < 0 {
			return ChatTarget{}, fmt.Errorf("invalid thread in owner id %q", s)
		}
		t.ThreadID = tid
	}
	return t, nil
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Image is a decoded-enough image ready to be uploaded by an adapter.
type Image struct {
	Data []byte
	MIME string
}

// Segment is one element of a notification payload: either text or an image.
type Segment struct {
	Text  string
	Image *Image
}

func Text(s string) Segment      { return Segment{Text: s} }
func Picture(img *Image) Segment { return Segment{Image: img} }

func (s Segment) IsImage() bool { return s.Image != nil && len(s.Image.Data) > 0 }

// Payload is an ordered sequence of text and image segments.
// Adapters must preserve order when delivering.
type Payload []Segment

func (p Payload) Empty() bool { return len(p) == 0 }

func (p Payload) HasImage() bool {
	for _, s := range p {
		if s.IsImage() {
			return true
		}
	}
	return false
}

// PlainText concatenates all text segments (images are skipped).
func (p Payload) PlainText() string {
	var b strings.Builder
	for _, s := range p {
		if !s.IsImage() {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

type Notification struct {
	Channel  string // "telegram" now
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Payload  Payload
	Options  *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPayload(ctx context.Context, to ChatTarget, p Payload, opt *SendOptions) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
