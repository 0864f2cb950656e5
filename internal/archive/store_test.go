package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	putCalls []putCall
	objects  map[string][]byte // bucket/key -> body
	getErr   error
	putErr   error
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, _ := io.ReadAll(input.Body)
	m.putCalls = append(m.putCalls, putCall{
		bucket: *input.Bucket,
		key:    *input.Key,
		body:   body,
	})
	m.objects[*input.Bucket+"/"+*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Bucket+"/"+*input.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}, nil
}

var fixedNow = time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)

func newTestStore(mock *mockS3Client, opts ...StoreOption) *Store {
	opts = append(opts, WithStoreClock(func() time.Time { return fixedNow }))
	return NewStore(mock, "exports", "results", logging.Discard(), opts...)
}

func sampleReport() recovery.Report {
	return recovery.Report{
		Results: []recovery.Result{
			{
				RowIndex:   0,
				Success:    true,
				Original:   row.New("Col1", "sent", "Col2", "call 330-333-2654"),
				Recovered:  row.New("message_type", "sent", "content", "call 330-333-2654"),
				Confidence: 0.8,
			},
			{RowIndex: 1, Success: false, Original: row.New("Col1", "")},
		},
		Stats: recovery.Stats{Total: 2, Succeeded: 1, Failed: 1, NeedsReview: 1, AverageConfidence: 0.4},
	}
}

func TestStore_LoadRows(t *testing.T) {
	tests := []struct {
		name string
		key  string
		body string
		want []row.Raw
	}{
		{
			name: "json array",
			key:  "org/export.json",
			body: `[{"Type":"sent","Text":"hi"},{"Type":"received","Text":"hello"}]`,
			want: []row.Raw{row.New("Type", "sent", "Text", "hi"), row.New("Type", "received", "Text", "hello")},
		},
		{
			name: "jsonl",
			key:  "org/export.jsonl",
			body: "{\"Type\":\"sent\"}\n{\"Type\":\"received\"}\n",
			want: []row.Raw{row.New("Type", "sent"), row.New("Type", "received")},
		},
		{
			name: "csv with extra columns",
			key:  "org/export.csv",
			body: "Type,Text\nsent,hi\nreceived,hello,extra\n",
			want: []row.Raw{
				row.New("Type", "sent", "Text", "hi"),
				row.New("Type", "received", "Text", "hello", "Col3", "extra"),
			},
		},
		{
			name: "sniffed csv",
			key:  "org/export",
			body: "Type,Text\nsent,\n",
			want: []row.Raw{row.New("Type", "sent", "Text", "")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockS3()
			mock.objects["exports/"+tt.key] = []byte(tt.body)
			store := newTestStore(mock)

			rows, err := store.LoadRows(context.Background(), tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rows)
		})
	}
}

func TestStore_LoadRows_NotFound(t *testing.T) {
	store := newTestStore(newMockS3())
	_, err := store.LoadRows(context.Background(), "missing.json")
	assert.ErrorIs(t, err, ErrExportNotFound)
}

func TestStore_LoadRows_S3Error(t *testing.T) {
	mock := newMockS3()
	mock.getErr = errors.New("access denied")
	store := newTestStore(mock)

	_, err := store.LoadRows(context.Background(), "export.json")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExportNotFound)
}

func TestStore_SaveResults(t *testing.T) {
	mock := newMockS3()
	store := newTestStore(mock)

	key, err := store.SaveResults(context.Background(), "job-1", "org-1", "org-1/export.csv", sampleReport())
	require.NoError(t, err)
	assert.Equal(t, "recoveries/v1/by-date/2026/02/12/job-1.jsonl", key)

	require.Len(t, mock.putCalls, 3)
	assert.Equal(t, "results", mock.putCalls[0].bucket)

	scanner := bufio.NewScanner(bytes.NewReader(mock.putCalls[0].body))
	var lines []map[string]any
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "job-1", lines[0]["job_id"])
	assert.Equal(t, true, lines[0]["success"])
	assert.Equal(t, false, lines[1]["success"])

	assert.Equal(t, "recoveries/v1/by-date/2026/02/12/job-1.summary.json", mock.putCalls[1].key)
	var summary Summary
	require.NoError(t, json.Unmarshal(mock.putCalls[1].body, &summary))
	assert.Equal(t, 2, summary.Stats.Total)
	assert.False(t, summary.Redacted)

	assert.Equal(t, "recoveries/v1/manifests/2026-02.jsonl", mock.putCalls[2].key)
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[2].body), &entry))
	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, key, entry.ResultsKey)
	assert.Equal(t, 1, entry.NeedsReview)
}

func TestStore_SaveResults_Redacted(t *testing.T) {
	mock := newMockS3()
	store := newTestStore(mock, WithRedaction(true))

	_, err := store.SaveResults(context.Background(), "job-1", "org-1", "src", sampleReport())
	require.NoError(t, err)

	body := string(mock.putCalls[0].body)
	assert.NotContains(t, body, "330-333-2654")
	assert.Contains(t, body, "[PHONE]")
}

func TestStore_SaveResults_RedactsEveryField(t *testing.T) {
	engine := recovery.NewEngine(recovery.WithLogger(logging.Discard()))
	rows := []row.Raw{
		row.New(
			"Type", "sent",
			"From", "Glow Med Spa",
			"Date", "2024-03-14T16:00:00Z",
			"Content", "Reply to front@glowspa.com anytime",
		),
		row.New(
			"Type", "",
			"From", "+16475551234",
			"Date", "3/15 647-555-1234",
			"Content", "email me at jane@example.com or call 647-555-1234",
		),
	}
	_, report, err := engine.Run(context.Background(), rows)
	require.NoError(t, err)

	mock := newMockS3()
	store := newTestStore(mock, WithRedaction(true))
	_, err = store.SaveResults(context.Background(), "job-1", "org-1", "src", report)
	require.NoError(t, err)

	body := string(mock.putCalls[0].body)
	for _, secret := range []string{"6475551234", "647-555-1234", "jane@example.com", "front@glowspa.com"} {
		assert.NotContains(t, body, secret)
	}
	assert.Contains(t, body, "[PHONE]")
	assert.Contains(t, body, "[EMAIL]")

	assert.Equal(t, "+16475551234", report.Results[1].Original.String("From"), "report must be untouched")
}

func TestStore_SaveResults_ManifestHashesSenders(t *testing.T) {
	report := recovery.Report{
		Results: []recovery.Result{
			{RowIndex: 0, Recovered: row.New("sender", "+16475551234")},
			{RowIndex: 1, Recovered: row.New("sender", "Glow Med Spa")},
			{RowIndex: 2, Recovered: row.New("sender", "+16475551234")},
			{RowIndex: 3, Original: row.New("From", "front@glowspa.com")},
			{RowIndex: 4, Recovered: row.New("content", "no sender")},
		},
		Stats: recovery.Stats{Total: 5},
	}
	mock := newMockS3()
	store := newTestStore(mock)

	_, err := store.SaveResults(context.Background(), "job-1", "org-1", "src", report)
	require.NoError(t, err)

	manifest := mock.putCalls[2].body
	assert.NotContains(t, string(manifest), "6475551234")
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(manifest), &entry))

	want := []string{HashContact("+16475551234"), HashContact("Glow Med Spa"), HashContact("front@glowspa.com")}
	sort.Strings(want)
	assert.Equal(t, want, entry.SenderHashes)
}

func TestStore_SaveResults_Disabled(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "exports", "", nil)

	key, err := store.SaveResults(context.Background(), "job-1", "org-1", "src", sampleReport())
	require.NoError(t, err)
	assert.Empty(t, key)
	assert.Empty(t, mock.putCalls)
}

func TestStore_SaveResults_PutError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("throttled")
	store := newTestStore(mock)

	_, err := store.SaveResults(context.Background(), "job-1", "org-1", "src", sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}

func TestStore_AppendManifest(t *testing.T) {
	mock := newMockS3()
	store := newTestStore(mock)
	ctx := context.Background()

	require.NoError(t, store.AppendManifest(ctx, ManifestEntry{JobID: "job-1"}))
	require.NoError(t, store.AppendManifest(ctx, ManifestEntry{JobID: "job-2"}))

	data := mock.objects["results/recoveries/v1/manifests/2026-02.jsonl"]
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second ManifestEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, "job-2", second.JobID)
}

func TestStore_AppendManifest_GetError(t *testing.T) {
	mock := newMockS3()
	mock.getErr = errors.New("access denied")
	store := newTestStore(mock)

	err := store.AppendManifest(context.Background(), ManifestEntry{JobID: "job-1"})
	require.Error(t, err)
	assert.Empty(t, mock.putCalls, "manifest must not be overwritten when it cannot be read")
}

func TestStore_Enabled(t *testing.T) {
	assert.True(t, NewStore(newMockS3(), "", "bucket", nil).Enabled())
	assert.False(t, NewStore(newMockS3(), "", "", nil).Enabled())
	assert.False(t, NewStore(nil, "", "bucket", nil).Enabled())

	var nilStore *Store
	assert.False(t, nilStore.Enabled())
}

func TestFormatFromName(t *testing.T) {
	tests := []struct {
		name string
		want Format
	}{
		{"a.CSV", FormatCSV},
		{"a.jsonl", FormatJSONL},
		{"a.ndjson", FormatJSONL},
		{"a.json", FormatJSON},
		{"a.txt", FormatAuto},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatFromName(tt.name), tt.name)
	}
}

func TestParseRows_Errors(t *testing.T) {
	_, err := ParseRows(strings.NewReader(`[{"a":1}`), FormatJSON)
	assert.Error(t, err)

	_, err = ParseRows(strings.NewReader("{\"a\":1}\nnot json"), FormatJSONL)
	assert.Error(t, err)

	rows, err := ParseRows(strings.NewReader(""), FormatAuto)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestParseRows_JSONKeepsNumbers(t *testing.T) {
	rows, err := ParseRows(strings.NewReader(`[{"id":12345678901234567}]`), FormatAuto)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, _ := rows[0].Get("id")
	assert.Equal(t, json.Number("12345678901234567"), v)
}
