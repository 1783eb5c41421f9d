package archive

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

// memStore is an in-memory ObjectStore that pages listings two keys at a time.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.objects[aws.ToString(in.Key)] = body
	m.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (m *memStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := min(start+2, len(keys))

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (m *memStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, aws.ToString(in.Key))
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memStore) get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	return string(b), ok
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func result(ts time.Time, avg float64) types.AnalysisResult {
	return types.AnalysisResult{AvgDB: avg, Timestamp: ts}
}

var testConfig = Config{Bucket: "bucket", Prefix: "measurements", DeviceID: "noisemeter_001", RetentionDays: 30}

func TestArchiverKey(t *testing.T) {
	a := New(newMemStore(), testConfig)
	hour := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, "measurements/noisemeter_001/2026-03-01/07.jsonl", a.Key(hour))

	a = New(newMemStore(), Config{DeviceID: "dev"})
	assert.Equal(t, "dev/2026-03-01/07.jsonl", a.Key(hour))
}

func TestArchiverUploadsOnHourChange(t *testing.T) {
	store := newMemStore()
	a := New(store, testConfig)

	base := time.Date(2026, 3, 1, 7, 59, 50, 0, time.UTC)
	require.NoError(t, a.Add(result(base, -30)))
	require.NoError(t, a.Add(result(base.Add(5*time.Second), -31)))
	assert.Empty(t, store.keys(), "nothing is uploaded within the hour")

	require.NoError(t, a.Add(result(base.Add(10*time.Second), -32)))
	a.uploads.Wait()

	body, ok := store.get("measurements/noisemeter_001/2026-03-01/07.jsonl")
	require.True(t, ok)
	lines := strings.Split(strings.TrimSpace(body), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"avg_db":-30`)

	require.NoError(t, a.Close(context.Background()))
	body, ok = store.get("measurements/noisemeter_001/2026-03-01/08.jsonl")
	require.True(t, ok)
	assert.Contains(t, body, `"avg_db":-32`)
}

func TestArchiverFlushEmpty(t *testing.T) {
	store := newMemStore()
	a := New(store, testConfig)
	require.NoError(t, a.Flush(context.Background()))
	assert.Empty(t, store.keys())
}

func TestArchiverFlushError(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("access denied")
	a := New(store, testConfig)

	require.NoError(t, a.Add(result(time.Now(), -30)))
	assert.ErrorContains(t, a.Flush(context.Background()), "access denied")
}

func TestArchiverCleanup(t *testing.T) {
	store := newMemStore()
	for _, key := range []string{
		"measurements/noisemeter_001/2026-01-01/00.jsonl",
		"measurements/noisemeter_001/2026-01-28/23.jsonl",
		"measurements/noisemeter_001/2026-01-29/23.jsonl",
		"measurements/noisemeter_001/2026-01-30/00.jsonl",
		"measurements/noisemeter_001/2026-02-27/12.jsonl",
		"measurements/noisemeter_001/notes.txt",
		"measurements/other/2026-01-01/00.jsonl",
	} {
		store.objects[key] = []byte("{}\n")
	}

	a := New(store, testConfig)
	now := time.Date(2026, 2, 28, 15, 0, 0, 0, time.UTC)
	deleted, err := a.Cleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, []string{
		"measurements/noisemeter_001/2026-01-29/23.jsonl",
		"measurements/noisemeter_001/2026-01-30/00.jsonl",
		"measurements/noisemeter_001/2026-02-27/12.jsonl",
		"measurements/noisemeter_001/notes.txt",
		"measurements/other/2026-01-01/00.jsonl",
	}, store.keys())
}

func TestArchiverCleanupDisabled(t *testing.T) {
	store := newMemStore()
	store.objects["measurements/noisemeter_001/2000-01-01/00.jsonl"] = nil

	a := New(store, Config{Bucket: "bucket", Prefix: "measurements", DeviceID: "noisemeter_001"})
	deleted, err := a.Cleanup(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)
	assert.Len(t, store.keys(), 1)
}

func TestS3ConnectionCheck(t *testing.T) {
	store := newMemStore()
	require.NoError(t, TestS3Connection(context.Background(), store, "bucket"))
	assert.Empty(t, store.keys(), "test object is removed")

	store.putErr = errors.New("no such bucket")
	assert.ErrorContains(t, TestS3Connection(context.Background(), store, "bucket"), "no such bucket")
}
