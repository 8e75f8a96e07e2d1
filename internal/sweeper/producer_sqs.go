package sweeper

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/preardon/brighter-go/internal/mapper"
	"github.com/preardon/brighter-go/internal/message"
)

// sqsSenderAPI is the subset of the SQS SDK client the producer depends on.
type sqsSenderAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQSProducer publishes outbox rows to one SQS queue per call, using the
// topic argument as the queue URL. A single queue per Sweeper is the common
// case; multi-topic fanout belongs to a higher-level router, not this
// producer.
type SQSProducer struct {
	client sqsSenderAPI
}

var _ Producer = (*SQSProducer)(nil)

// NewSQSProducer builds a Producer over client.
func NewSQSProducer(client sqsSenderAPI) *SQSProducer {
	return &SQSProducer{client: client}
}

// Publish sends one message to the queue identified by topic (a queue URL).
func (p *SQSProducer) Publish(ctx context.Context, topic string, m message.Message) error {
	body, err := mapper.EncodeJSON(m)
	if err != nil {
		return fmt.Errorf("sqs publish encode: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(topic),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs publish: %w", err)
	}
	return nil
}

// PublishBatch sends msgs to the queue in SendMessageBatch calls of at most
// 10 entries each (SQS's own batch ceiling), stopping at the first call that
// fails or reports a failed entry; chunks already sent are not undone.
func (p *SQSProducer) PublishBatch(ctx context.Context, topic string, msgs []message.Message) error {
	entries := make([]sqsBatchEntry, len(msgs))
	for i, m := range msgs {
		body, err := mapper.EncodeJSON(m)
		if err != nil {
			return fmt.Errorf("sqs publish batch encode: %w", err)
		}
		entries[i] = sqsBatchEntry{id: m.Header.MessageId.String(), body: string(body)}
	}
	return p.sendBatch(ctx, topic, entries)
}

type sqsBatchEntry struct {
	id   string
	body string
}

func (p *SQSProducer) sendBatch(ctx context.Context, queueURL string, entries []sqsBatchEntry) error {
	const maxBatch = 10
	for start := 0; start < len(entries); start += maxBatch {
		end := start + maxBatch
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]

		batchEntries := make([]types.SendMessageBatchRequestEntry, len(chunk))
		for i, e := range chunk {
			batchEntries[i] = types.SendMessageBatchRequestEntry{Id: aws.String(e.id), MessageBody: aws.String(e.body)}
		}

		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(queueURL),
			Entries:  batchEntries,
		})
		if err != nil {
			return fmt.Errorf("sqs publish batch: %w", err)
		}
		if len(out.Failed) > 0 {
			return fmt.Errorf("sqs publish batch: %d of %d entries failed", len(out.Failed), len(chunk))
		}
	}
	return nil
}
