package writer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"bookscope/config"
	"bookscope/models"
)

type fakePutter struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.keys = append(f.keys, *in.Key)
	f.body = append(f.body, data)
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakePutter) uploads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func testBucket(start time.Time) models.TimeBucket {
	return models.TimeBucket{
		Start:        start,
		Width:        time.Second,
		Bids:         []models.BucketLevel{{Price: 100, Volume: 1.5}, {Price: 99.5, Volume: 2}},
		Asks:         []models.BucketLevel{{Price: 101, Volume: 3}},
		Observations: 4,
		Sealed:       true,
	}
}

func TestBucketS3Key(t *testing.T) {
	batch := bucketBatch{
		BatchID:    "abc",
		Instrument: "btc/usd",
		Timestamp:  time.Date(2024, 3, 5, 7, 8, 9, 0, time.UTC),
	}
	got := bucketS3Key("/archive/", batch)
	want := "archive/instrument=BTC-USD/date=2024-03-05/hour=07/20240305070809_abc.parquet"
	if got != want {
		t.Fatalf("unexpected key\n got %s\nwant %s", got, want)
	}
	if got := bucketS3Key("", batch); strings.HasPrefix(got, "/") {
		t.Fatalf("key should be relative without prefix: %s", got)
	}
}

func TestCreateBucketParquet(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	data, err := createBucketParquet(bucketBatch{
		BatchID:    "b",
		Instrument: "BTC/USD",
		Buckets:    []models.TimeBucket{testBucket(start), testBucket(start.Add(time.Second))},
		Timestamp:  start,
	})
	if err != nil {
		t.Fatalf("createBucketParquet: %v", err)
	}
	magic := []byte("PAR1")
	if len(data) < 8 || !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Fatalf("output is not a parquet file (%d bytes)", len(data))
	}
}

func TestArchiverFlushesOnBatchSizeAndShutdown(t *testing.T) {
	putter := &fakePutter{}
	a := newBucketArchiver(config.S3Config{
		Bucket:        "test-bucket",
		Prefix:        "bookscope",
		BatchSize:     2,
		FlushInterval: time.Hour,
		Buffer:        8,
	}, putter)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatalf("second Start should fail")
	}

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a.Seal("BTC/USD", testBucket(start))
	a.Seal("BTC/USD", testBucket(start.Add(time.Second)))
	a.Seal("ETH/USD", testBucket(start))

	deadline := time.Now().Add(2 * time.Second)
	for len(putter.uploads()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("batch was not uploaded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	a.Stop()

	keys := putter.uploads()
	if len(keys) != 2 {
		t.Fatalf("expected 2 uploads, got %v", keys)
	}
	if !strings.Contains(keys[0], "instrument=BTC-USD/date=2024-01-01/hour=12/") {
		t.Fatalf("unexpected first key: %s", keys[0])
	}
	if !strings.Contains(keys[1], "instrument=ETH-USD/") {
		t.Fatalf("unexpected shutdown key: %s", keys[1])
	}

	stats := a.Stats()
	if stats.BucketsWritten != 3 || stats.FilesWritten != 2 || stats.ErrorsCount != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.BytesWritten == 0 {
		t.Fatalf("bytes written not counted")
	}
}

func TestArchiverDropsWhenQueueFull(t *testing.T) {
	a := newBucketArchiver(config.S3Config{Bucket: "b", Buffer: 1}, &fakePutter{})
	start := time.Now()
	a.Seal("BTC/USD", testBucket(start))
	a.Seal("BTC/USD", testBucket(start.Add(time.Second)))
	a.Seal("BTC/USD", testBucket(start.Add(2*time.Second)))

	stats := a.Stats()
	if stats.Dropped != 2 || stats.QueueLen != 1 || stats.QueueCap != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if a.cfg.BatchSize != defaultArchiveBatch || a.cfg.Prefix != defaultArchivePrefix {
		t.Fatalf("defaults not applied: %+v", a.cfg)
	}
}
