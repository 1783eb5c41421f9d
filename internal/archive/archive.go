package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	uploadTimeout  = 2 * time.Minute
	cleanupTimeout = 5 * time.Minute
	// cleanupHour is the local hour at which retention cleanup runs.
	cleanupHour = 3
)

// Config describes where measurements are archived.
type Config struct {
	Bucket        string
	Prefix        string
	DeviceID      string
	RetentionDays int
}

// Archiver buffers measurement results per UTC hour and uploads each hour
// as a JSON lines object.
type Archiver struct {
	store ObjectStore
	cfg   Config

	mu      sync.Mutex
	hour    time.Time
	buf     bytes.Buffer
	records int

	uploads sync.WaitGroup
}

// New returns an Archiver writing to store.
func New(store ObjectStore, cfg Config) *Archiver {
	return &Archiver{store: store, cfg: cfg}
}

// Key returns the object key for the hour starting at hour.
func (a *Archiver) Key(hour time.Time) string {
	hour = hour.UTC()
	return path.Join(a.cfg.Prefix, a.cfg.DeviceID, hour.Format(time.DateOnly), hour.Format("15")+".jsonl")
}

// Add appends result to the current hour. When result starts a new hour the
// previous hour is uploaded in the background.
func (a *Archiver) Add(result types.AnalysisResult) error {
	line, err := json.Marshal(result)
	if err != nil {
		return util.WrapError("marshal measurement", err)
	}

	hour := result.Timestamp.UTC().Truncate(time.Hour)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.records > 0 && !hour.Equal(a.hour) {
		key, body := a.takeLocked()
		a.uploads.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
			defer cancel()
			if err := a.upload(ctx, key, body); err != nil {
				slog.Error("archive upload failed", "key", key, "error", err)
			}
		})
	}

	a.hour = hour
	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.records++
	return nil
}

// takeLocked returns the buffered hour and clears the buffer. Caller holds a.mu.
func (a *Archiver) takeLocked() (string, []byte) {
	key := a.Key(a.hour)
	body := bytes.Clone(a.buf.Bytes())
	a.buf.Reset()
	a.records = 0
	return key, body
}

// Flush uploads the results of the current hour.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.records == 0 {
		a.mu.Unlock()
		return nil
	}
	key, body := a.takeLocked()
	a.mu.Unlock()

	return a.upload(ctx, key, body)
}

// Close waits for background uploads and flushes the current hour.
func (a *Archiver) Close(ctx context.Context) error {
	a.uploads.Wait()
	return a.Flush(ctx)
}

func (a *Archiver) upload(ctx context.Context, key string, body []byte) error {
	_, err := a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	slog.Debug("archived measurements", "key", key, "bytes", len(body))
	return nil
}

// Cleanup deletes objects of this device whose key date lies more than
// RetentionDays before now. It returns the number of deleted objects.
func (a *Archiver) Cleanup(ctx context.Context, now time.Time) (int, error) {
	if a.cfg.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -a.cfg.RetentionDays)
	prefix := path.Join(a.cfg.Prefix, a.cfg.DeviceID) + "/"

	var deleted int
	var errs []error
	var continuationToken *string

	for {
		output, err := a.store.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(a.cfg.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return deleted, util.WrapError("list archived objects", err)
		}

		for _, obj := range output.Contents {
			key := aws.ToString(obj.Key)
			date, ok := util.ExtractDateFromKey(key)
			if !ok || !date.Before(cutoff) {
				continue
			}

			_, err := a.store.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(a.cfg.Bucket),
				Key:    obj.Key,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
				continue
			}
			deleted++
			slog.Debug("cleanup: deleted archived object", "key", key)
		}

		if !aws.ToBool(output.IsTruncated) {
			break
		}
		continuationToken = output.NextContinuationToken
	}

	return deleted, errors.Join(errs...)
}

// RunCleanup runs Cleanup once a day at 03:00 local time until ctx ends.
func (a *Archiver) RunCleanup(ctx context.Context) {
	if a.cfg.RetentionDays <= 0 {
		return
	}

	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), cleanupHour, 0, 0, 0, now.Location())
		if now.After(next) {
			next = next.Add(24 * time.Hour)
		}

		slog.Info("cleanup scheduler: next run scheduled", "at", next.Format(time.DateTime))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			cleanupCtx, cancel := context.WithTimeoutCause(ctx, cleanupTimeout, errors.New("archive cleanup timeout"))
			deleted, err := a.Cleanup(cleanupCtx, time.Now())
			cancel()
			if err != nil {
				slog.Warn("cleanup: archive cleanup failed", "error", err)
			}
			if deleted > 0 {
				slog.Info("cleanup: deleted archived objects", "count", deleted)
			}
		case <-ctx.Done():
			timer.Stop()
			slog.Info("cleanup scheduler stopped")
			return
		}
	}
}
