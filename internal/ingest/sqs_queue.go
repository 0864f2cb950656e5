package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Recovery jobs are tagged with a kind attribute. Anything else on the queue
// is dropped on receive.
const (
	kindAttribute   = "kind"
	recoveryJobKind = "recovery_job"
)

// defaultVisibility covers a large export; a job that outlives it is redelivered.
const defaultVisibility = 5 * time.Minute

// SQSQueue carries recovery jobs over AWS or LocalStack SQS.
type SQSQueue struct {
	client     sqsAPI
	queueURL   string
	visibility time.Duration
	logger     *logging.Logger
}

// SQSOption customizes an SQSQueue.
type SQSOption func(*SQSQueue)

// WithVisibility sets how long a received job stays hidden from other workers.
func WithVisibility(d time.Duration) SQSOption {
	return func(q *SQSQueue) {
		if d >= time.Second {
			q.visibility = d
		}
	}
}

func WithQueueLogger(logger *logging.Logger) SQSOption {
	return func(q *SQSQueue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewSQSQueue wraps client for the queue at queueURL.
func NewSQSQueue(client sqsAPI, queueURL string, opts ...SQSOption) *SQSQueue {
	if client == nil {
		panic("ingest: SQS client cannot be nil")
	}
	if queueURL == "" {
		panic("ingest: SQS queueURL cannot be empty")
	}
	q := &SQSQueue{
		client:     client,
		queueURL:   queueURL,
		visibility: defaultVisibility,
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Send enqueues one serialized job.
func (q *SQSQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			kindAttribute: {DataType: aws.String("String"), StringValue: aws.String(recoveryJobKind)},
		},
	})
	if err != nil {
		return fmt.Errorf("ingest: send recovery job: %w", err)
	}
	return nil
}

// Receive long-polls for up to maxMessages jobs. Messages without the
// recovery job kind are deleted and left out of the batch.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       int32(waitSeconds),
		VisibilityTimeout:     int32(q.visibility / time.Second),
		MessageAttributeNames: []string{kindAttribute},
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: receive recovery jobs: %w", err)
	}

	jobs := make([]queueMessage, 0, len(output.Messages))
	for _, msg := range output.Messages {
		if kind := messageKind(msg); kind != recoveryJobKind {
			q.logger.Warn("dropping message that is not a recovery job",
				"msg_id", aws.ToString(msg.MessageId),
				"kind", kind,
			)
			if err := q.Delete(ctx, aws.ToString(msg.ReceiptHandle)); err != nil {
				q.logger.Error("failed to drop message", "error", err, "msg_id", aws.ToString(msg.MessageId))
			}
			continue
		}
		jobs = append(jobs, queueMessage{
			ID:            aws.ToString(msg.MessageId),
			Body:          aws.ToString(msg.Body),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}
	return jobs, nil
}

func messageKind(msg types.Message) string {
	attr, ok := msg.MessageAttributes[kindAttribute]
	if !ok {
		return ""
	}
	return aws.ToString(attr.StringValue)
}

// Delete acknowledges a job. An empty handle is a no-op.
func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("ingest: delete recovery job: %w", err)
	}
	return nil
}
