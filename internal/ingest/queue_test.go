package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// fakeJobs records lifecycle calls in memory.
type fakeJobs struct {
	mu       sync.Mutex
	records  map[string]*JobRecord
	putErr   error
	statuses map[string][]JobStatus
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{records: map[string]*JobRecord{}, statuses: map[string][]JobStatus{}}
}

func (f *fakeJobs) PutPending(_ context.Context, job *JobRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	job.Status = JobStatusPending
	cp := *job
	f.records[job.JobID] = &cp
	f.statuses[job.JobID] = append(f.statuses[job.JobID], JobStatusPending)
	return nil
}

func (f *fakeJobs) GetJob(_ context.Context, jobID string) (*JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeJobs) set(jobID string, status JobStatus, mutate func(*JobRecord)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		rec = &JobRecord{JobID: jobID}
		f.records[jobID] = rec
	}
	rec.Status = status
	if mutate != nil {
		mutate(rec)
	}
	f.statuses[jobID] = append(f.statuses[jobID], status)
	return nil
}

func (f *fakeJobs) MarkRunning(_ context.Context, jobID string) error {
	return f.set(jobID, JobStatusRunning, nil)
}

func (f *fakeJobs) MarkCompleted(_ context.Context, jobID string, summary JobSummary) error {
	return f.set(jobID, JobStatusCompleted, func(r *JobRecord) { r.Summary = &summary })
}

func (f *fakeJobs) MarkFailed(_ context.Context, jobID string, errMsg string) error {
	return f.set(jobID, JobStatusFailed, func(r *JobRecord) { r.ErrorMessage = errMsg })
}

func (f *fakeJobs) history(jobID string) []JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]JobStatus(nil), f.statuses[jobID]...)
}

func TestPublisher_Enqueue(t *testing.T) {
	q := NewMemoryQueue(4)
	jobs := newFakeJobs()
	pub := NewPublisher(q, jobs)

	id, err := pub.Enqueue(context.Background(), JobRequest{OrgID: " org-1 ", SourceKey: "org-1/export.csv"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rec, err := jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, rec.Status)
	assert.Equal(t, "org-1", rec.OrgID)

	msgs, err := q.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	var req JobRequest
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Body), &req))
	assert.Equal(t, JobRequest{ID: id, OrgID: "org-1", SourceKey: "org-1/export.csv"}, req)
}

func TestPublisher_EnqueueErrors(t *testing.T) {
	q := NewMemoryQueue(1)
	pub := NewPublisher(q, nil)
	_, err := pub.Enqueue(context.Background(), JobRequest{OrgID: "org-1"})
	assert.Error(t, err)

	jobs := newFakeJobs()
	jobs.putErr = errors.New("table missing")
	_, err = NewPublisher(q, jobs).Enqueue(context.Background(), JobRequest{OrgID: "org-1", SourceKey: "k"})
	assert.ErrorContains(t, err, "table missing")
	assert.Zero(t, q.Len(), "job must not be queued when it could not be recorded")
}

func TestMemoryQueue_ReceiveBatch(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, q.Send(ctx, body))
	}

	msgs, err := q.Receive(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Body)
	assert.Equal(t, "b", msgs[1].Body)
	assert.NotEmpty(t, msgs[0].ReceiptHandle)

	msgs, err = q.Receive(ctx, 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].Body)
	assert.NoError(t, q.Delete(ctx, msgs[0].ReceiptHandle))
}

func TestMemoryQueue_ReceiveTimesOut(t *testing.T) {
	q := NewMemoryQueue(1)
	start := time.Now()
	msgs, err := q.Receive(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestMemoryQueue_ReceiveCancelled(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)

	full := NewMemoryQueue(1)
	require.NoError(t, full.Send(context.Background(), "x"))
	assert.ErrorIs(t, full.Send(ctx, "y"), context.Canceled)
}

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	received *sqs.ReceiveMessageInput
	deleted  []string
	messages []sqstypes.Message
	err      error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, f.err
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.received = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, f.err
}

func jobMessage(id, body, kind string) sqstypes.Message {
	msg := sqstypes.Message{MessageId: aws.String(id), Body: aws.String(body), ReceiptHandle: aws.String("rh-" + id)}
	if kind != "" {
		msg.MessageAttributes = map[string]sqstypes.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(kind)},
		}
	}
	return msg
}

func TestSQSQueue(t *testing.T) {
	fake := &fakeSQS{messages: []sqstypes.Message{jobMessage("m-1", `{"id":"job-1"}`, "recovery_job")}}
	q := NewSQSQueue(fake, "https://sqs.local/queue", WithQueueLogger(logging.Discard()))
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, "body"))
	require.Len(t, fake.sent, 1)
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(fake.sent[0].QueueUrl))
	assert.Equal(t, "recovery_job", aws.ToString(fake.sent[0].MessageAttributes["kind"].StringValue))

	msgs, err := q.Receive(ctx, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, []queueMessage{{ID: "m-1", Body: `{"id":"job-1"}`, ReceiptHandle: "rh-m-1"}}, msgs)
	assert.Equal(t, int32(3), fake.received.MaxNumberOfMessages)
	assert.Equal(t, int32(10), fake.received.WaitTimeSeconds)
	assert.Equal(t, int32(300), fake.received.VisibilityTimeout)
	assert.Equal(t, []string{"kind"}, fake.received.MessageAttributeNames)
	assert.Empty(t, fake.deleted)

	require.NoError(t, q.Delete(ctx, ""))
	require.NoError(t, q.Delete(ctx, "rh-m-1"))
	assert.Equal(t, []string{"rh-m-1"}, fake.deleted)
}

func TestSQSQueue_DropsForeignMessages(t *testing.T) {
	tests := []struct {
		name        string
		messages    []sqstypes.Message
		wantIDs     []string
		wantDeleted []string
	}{
		{
			name:     "all jobs",
			messages: []sqstypes.Message{jobMessage("a", "{}", "recovery_job"), jobMessage("b", "{}", "recovery_job")},
			wantIDs:  []string{"a", "b"},
		},
		{
			name:        "missing kind",
			messages:    []sqstypes.Message{jobMessage("a", "{}", ""), jobMessage("b", "{}", "recovery_job")},
			wantIDs:     []string{"b"},
			wantDeleted: []string{"rh-a"},
		},
		{
			name:        "other kind",
			messages:    []sqstypes.Message{jobMessage("a", "{}", "sms_inbound"), jobMessage("b", "{}", "recovery_job")},
			wantIDs:     []string{"b"},
			wantDeleted: []string{"rh-a"},
		},
		{
			name:        "nothing to do",
			messages:    []sqstypes.Message{jobMessage("a", "{}", "sms_inbound")},
			wantDeleted: []string{"rh-a"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeSQS{messages: tt.messages}
			q := NewSQSQueue(fake, "url", WithQueueLogger(logging.Discard()), WithVisibility(15*time.Minute))

			msgs, err := q.Receive(context.Background(), 10, 0)
			require.NoError(t, err)
			var ids []string
			for _, m := range msgs {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantDeleted, fake.deleted)
			assert.Equal(t, int32(900), fake.received.VisibilityTimeout)
		})
	}
}

func TestSQSQueue_Errors(t *testing.T) {
	q := NewSQSQueue(&fakeSQS{err: errors.New("throttled")}, "url")
	assert.ErrorContains(t, q.Send(context.Background(), "x"), "throttled")
	_, err := q.Receive(context.Background(), 1, 0)
	assert.ErrorContains(t, err, "throttled")

	assert.Panics(t, func() { NewSQSQueue(nil, "url") })
	assert.Panics(t, func() { NewSQSQueue(&fakeSQS{}, "") })
}
