package mapper

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/preardon/brighter-go/internal/message"
)

// wireEnvelope is the default JSON-on-the-wire shape (spec §6): headers
// carried in a HeaderBag object of string values, body as a JSON string.
type wireEnvelope struct {
	MessageId     string            `json:"messageId"`
	Topic         string            `json:"topic"`
	MessageType   string            `json:"messageType"`
	TimeStamp     time.Time         `json:"timeStamp"`
	CorrelationId string            `json:"correlationId,omitempty"`
	ReplyTo       string            `json:"replyTo,omitempty"`
	ContentType   string            `json:"contentType"`
	PartitionKey  string            `json:"partitionKey,omitempty"`
	HeaderBag     map[string]string `json:"headerBag,omitempty"`
	Body          string            `json:"body"`
}

// EncodeJSON renders m as the default JSON wire envelope.
func EncodeJSON(m message.Message) ([]byte, error) {
	env := wireEnvelope{
		MessageId:    m.Header.MessageId.String(),
		Topic:        m.Header.Topic,
		MessageType:  string(m.Header.MessageType),
		TimeStamp:    m.Header.TimeStamp,
		ReplyTo:      m.Header.ReplyTo,
		ContentType:  m.Header.ContentType,
		PartitionKey: m.Header.PartitionKey,
		HeaderBag:    m.Header.HeaderBag,
		Body:         string(m.Body.Value),
	}
	if m.Header.CorrelationId != uuid.Nil {
		env.CorrelationId = m.Header.CorrelationId.String()
	}
	return json.Marshal(env)
}

// DecodeJSON parses the default JSON wire envelope into a Message.
func DecodeJSON(data []byte) (message.Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return message.Message{}, fmt.Errorf("mapper: decode envelope: %w", err)
	}

	id, err := uuid.Parse(env.MessageId)
	if err != nil {
		return message.Message{}, fmt.Errorf("mapper: invalid messageId: %w", err)
	}

	var corrID uuid.UUID
	if env.CorrelationId != "" {
		corrID, err = uuid.Parse(env.CorrelationId)
		if err != nil {
			return message.Message{}, fmt.Errorf("mapper: invalid correlationId: %w", err)
		}
	}

	return message.Message{
		Header: message.Header{
			MessageId:     id,
			Topic:         env.Topic,
			MessageType:   message.MessageType(env.MessageType),
			TimeStamp:     env.TimeStamp,
			CorrelationId: corrID,
			ReplyTo:       env.ReplyTo,
			ContentType:   env.ContentType,
			PartitionKey:  env.PartitionKey,
			HeaderBag:     env.HeaderBag,
		},
		Body: message.Body{
			Value:       []byte(env.Body),
			ContentType: env.ContentType,
		},
	}, nil
}
