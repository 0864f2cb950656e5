package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

const jobTTL = 7 * 24 * time.Hour

// JobStatus is the lifecycle state of a recovery job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ErrJobNotFound indicates the requested job ID does not exist.
var ErrJobNotFound = errors.New("ingest: job not found")

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// JobSummary is what a finished job reports back.
type JobSummary struct {
	ResultsKey        string  `dynamodbav:"resultsKey,omitempty" json:"resultsKey,omitempty"`
	Rows              int     `dynamodbav:"rows" json:"rows"`
	Corrupted         int     `dynamodbav:"corrupted" json:"corrupted"`
	Succeeded         int     `dynamodbav:"succeeded" json:"succeeded"`
	Failed            int     `dynamodbav:"failed" json:"failed"`
	NeedsReview       int     `dynamodbav:"needsReview" json:"needsReview"`
	Queued            int     `dynamodbav:"queued" json:"queued"`
	AverageConfidence float64 `dynamodbav:"averageConfidence" json:"averageConfidence"`
}

// JobRecord is the persisted state of a recovery job.
type JobRecord struct {
	JobID        string      `dynamodbav:"jobId" json:"jobId"`
	OrgID        string      `dynamodbav:"orgId" json:"orgId"`
	SourceKey    string      `dynamodbav:"sourceKey" json:"sourceKey"`
	Status       JobStatus   `dynamodbav:"status" json:"status"`
	Summary      *JobSummary `dynamodbav:"summary,omitempty" json:"summary,omitempty"`
	ErrorMessage string      `dynamodbav:"errorMessage,omitempty" json:"errorMessage,omitempty"`
	CreatedAt    string      `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt    string      `dynamodbav:"updatedAt" json:"updatedAt"`
	ExpiresAt    int64       `dynamodbav:"expiresAt,omitempty" json:"-"`
}

// JobRecorder creates and reads job records.
type JobRecorder interface {
	PutPending(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)
}

// JobUpdater moves a job through its lifecycle.
type JobUpdater interface {
	MarkRunning(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, summary JobSummary) error
	MarkFailed(ctx context.Context, jobID string, errMsg string) error
}

// JobStore persists job records to DynamoDB.
type JobStore struct {
	client    dynamoAPI
	tableName string
	logger    *logging.Logger
	now       func() time.Time
}

var _ JobRecorder = (*JobStore)(nil)
var _ JobUpdater = (*JobStore)(nil)

func NewJobStore(client dynamoAPI, tableName string, logger *logging.Logger) *JobStore {
	if client == nil {
		panic("ingest: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("ingest: table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &JobStore{
		client:    client,
		tableName: tableName,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PutPending inserts a new pending job record. An existing ID is rejected.
func (s *JobStore) PutPending(ctx context.Context, job *JobRecord) error {
	if job == nil {
		return errors.New("ingest: job cannot be nil")
	}
	now := s.now()
	job.Status = JobStatusPending
	job.CreatedAt = now.Format(time.RFC3339Nano)
	job.UpdatedAt = job.CreatedAt
	if job.ExpiresAt == 0 {
		job.ExpiresAt = now.Add(jobTTL).Unix()
	}

	item, err := attributevalue.MarshalMap(job)
	if err != nil {
		return fmt.Errorf("ingest: failed to marshal job: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to persist job: %w", err)
	}
	return nil
}

func (s *JobStore) MarkRunning(ctx context.Context, jobID string) error {
	return s.setStatus(ctx, jobID, JobStatusRunning, nil, "")
}

// MarkCompleted stores the job summary.
func (s *JobStore) MarkCompleted(ctx context.Context, jobID string, summary JobSummary) error {
	attr, err := attributevalue.Marshal(summary)
	if err != nil {
		return fmt.Errorf("ingest: failed to marshal summary: %w", err)
	}
	return s.setStatus(ctx, jobID, JobStatusCompleted, attr, "")
}

func (s *JobStore) MarkFailed(ctx context.Context, jobID string, errMsg string) error {
	return s.setStatus(ctx, jobID, JobStatusFailed, &types.AttributeValueMemberNULL{Value: true}, errMsg)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (*JobRecord, error) {
	if jobID == "" {
		return nil, errors.New("ingest: jobID required")
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to fetch job: %w", err)
	}
	if out.Item == nil {
		return nil, ErrJobNotFound
	}

	var job JobRecord
	if err := attributevalue.UnmarshalMap(out.Item, &job); err != nil {
		return nil, fmt.Errorf("ingest: failed to decode job: %w", err)
	}
	return &job, nil
}

// setStatus updates status, error and timestamp. summary is written only when non-nil.
func (s *JobStore) setStatus(ctx context.Context, jobID string, status JobStatus, summary types.AttributeValue, errMsg string) error {
	if jobID == "" {
		return errors.New("ingest: jobID required")
	}
	values := map[string]types.AttributeValue{
		":status":  &types.AttributeValueMemberS{Value: string(status)},
		":error":   &types.AttributeValueMemberS{Value: errMsg},
		":updated": &types.AttributeValueMemberS{Value: s.now().Format(time.RFC3339Nano)},
	}
	names := map[string]string{
		"#status":  "status",
		"#error":   "errorMessage",
		"#updated": "updatedAt",
	}
	expr := "SET #status = :status, #error = :error, #updated = :updated"
	if summary != nil {
		values[":summary"] = summary
		names["#summary"] = "summary"
		expr += ", #summary = :summary"
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"jobId": &types.AttributeValueMemberS{Value: jobID},
		},
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConditionExpression:       aws.String("attribute_exists(jobId)"),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to update job %s: %w", jobID, err)
	}
	return nil
}
