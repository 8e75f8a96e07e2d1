// Package message defines the wire-independent value types carried between
// a Channel, the MessagePump, and the relational outbox.
package message

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies the envelope and steers pump behavior.
type MessageType string

const (
	MTCommand       MessageType = "MT_COMMAND"
	MTEvent         MessageType = "MT_EVENT"
	MTDocument      MessageType = "MT_DOCUMENT"
	MTNone          MessageType = "MT_NONE"
	MTUnacceptable  MessageType = "MT_UNACCEPTABLE"
	MTQuit          MessageType = "MT_QUIT"
)

// Valid reports whether t is one of the recognized message types.
func (t MessageType) Valid() bool {
	switch t {
	case MTCommand, MTEvent, MTDocument, MTNone, MTUnacceptable, MTQuit:
		return true
	}
	return false
}

// HandledCountHeader is the header key tracking requeue attempts.
const HandledCountHeader = "x-handled-count"

// HeaderBag is a free-form string->string envelope extension.
type HeaderBag map[string]string

// Get returns the value for key, or "" if absent.
func (h HeaderBag) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Clone returns a shallow copy, never nil.
func (h HeaderBag) Clone() HeaderBag {
	out := make(HeaderBag, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Header carries envelope metadata. MessageId is the stable primary identity.
type Header struct {
	MessageId     uuid.UUID
	Topic         string
	MessageType   MessageType
	TimeStamp     time.Time
	CorrelationId uuid.UUID
	ReplyTo       string
	ContentType   string
	PartitionKey  string
	HeaderBag     HeaderBag
}

// HandledCount reads x-handled-count from the header bag, defaulting to 0.
func (h Header) HandledCount() int {
	return parseHandledCount(h.HeaderBag.Get(HandledCountHeader))
}

// WithIncrementedHandledCount returns a copy of h with x-handled-count bumped by one.
func (h Header) WithIncrementedHandledCount() Header {
	next := h
	next.HeaderBag = h.HeaderBag.Clone()
	next.HeaderBag[HandledCountHeader] = formatHandledCount(h.HandledCount() + 1)
	return next
}

// Body carries the opaque payload.
type Body struct {
	Value       []byte
	ContentType string
}

// String returns the body as a UTF-8 string.
func (b Body) String() string {
	return string(b.Value)
}

// Message is the unit exchanged between a Channel and the MessagePump.
type Message struct {
	Header Header
	Body   Body
}

// Empty is the MT_NONE timeout sentinel: Channel.Receive returns this on an
// empty poll within the configured timeout.
var Empty = Message{Header: Header{MessageType: MTNone}}

// Quit is the MT_QUIT control envelope, never persisted to the outbox.
var Quit = Message{Header: Header{MessageType: MTQuit, Topic: "", ContentType: ""}}

// IsNone reports whether m is the receive-timeout sentinel.
func (m Message) IsNone() bool { return m.Header.MessageType == MTNone }

// IsQuit reports whether m is the stop control envelope.
func (m Message) IsQuit() bool { return m.Header.MessageType == MTQuit }

// IsUnacceptable reports whether m was already marked undecodable on a prior pass.
func (m Message) IsUnacceptable() bool { return m.Header.MessageType == MTUnacceptable }

// New builds a message with a freshly-assigned MessageId and a TimeStamp of
// the current time (UTC).
func New(topic string, mt MessageType, body Body) Message {
	return Message{
		Header: Header{
			MessageId:   uuid.New(),
			Topic:       topic,
			MessageType: mt,
			TimeStamp:   time.Now().UTC(),
			HeaderBag:   HeaderBag{},
		},
		Body: body,
	}
}

func formatHandledCount(n int) string {
	if n < 0 {
		n = 0
	}
	return strconv.Itoa(n)
}

func parseHandledCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
