// ABOUTME: Messaging gateway contract used by the relay: create topics, send and copy messages
// ABOUTME: Failures carry a Kind so callers can branch on forbidden, missing thread, or other

package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Entity is a formatting span inside a text message.
type Entity struct {
	Type   string // "url", "text_link", "bold", ...
	Offset int
	Length int
	URL    string
}

// SendParams describes a new text message.
type SendParams struct {
	ChatID    int64
	ThreadID  int // 0 for no thread
	Text      string
	Entities  []Entity
	ReplyTo   int // 0 for no reply
	ParseHTML bool

	// DisablePreview suppresses the link preview card
	DisablePreview bool
}

// CopyParams describes copying an existing message into another chat.
type CopyParams struct {
	ChatID     int64
	FromChatID int64
	MessageID  int
	ThreadID   int // 0 for no thread
	ReplyTo    int // 0 for no reply
}

// Gateway is the subset of the chat platform the relay depends on.
// Every method returns an *Error on platform-reported failure.
type Gateway interface {
	// CreateTopic creates a forum topic in the workspace and returns its thread id
	CreateTopic(ctx context.Context, workspaceID int64, name string) (int, error)

	// SendMessage posts a new message and returns its id
	SendMessage(ctx context.Context, p SendParams) (int, error)

	// CopyMessage copies a message without a forward header and returns the new id
	CopyMessage(ctx context.Context, p CopyParams) (int, error)
}

// Kind classifies gateway failures.
type Kind int

const (
	KindNone          Kind = iota // no error
	KindForbidden                 // recipient blocked the bot or content type not allowed
	KindThreadMissing             // destination topic deleted or closed
	KindBadRequest                // any other rejected request
	KindOther                     // transport or unknown failure
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindForbidden:
		return "forbidden"
	case KindThreadMissing:
		return "thread_missing"
	case KindBadRequest:
		return "bad_request"
	default:
		return "other"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an *Error, classifying bad-request reasons that indicate a missing thread.
func NewError(kind Kind, reason string, err error) *Error {
	if kind == KindBadRequest {
		kind = ClassifyBadRequest(reason)
	}
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the failure kind of err. Errors that are not *Error are KindOther.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return KindOther
}

var threadMissingReasons = []string{
	"message thread not found",
	"message thread is not found",
	"thread not found",
	"topic_deleted",
	"topic_closed",
}

// ClassifyBadRequest maps a bad-request description to KindThreadMissing when it means the
// destination topic is gone, and KindBadRequest otherwise.
func ClassifyBadRequest(reason string) Kind {
	r := strings.ToLower(reason)
	for _, needle := range threadMissingReasons {
		if strings.Contains(r, needle) {
			return KindThreadMissing
		}
	}
	if strings.Contains(r, "topic") && strings.Contains(r, "closed") {
		return KindThreadMissing
	}
	return KindBadRequest
}
