package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"bookscope/config"
	"bookscope/internal/metrics"
	"bookscope/logger"
	"bookscope/models"
)

const (
	archiveComponent      = "archive"
	archiveMetricsPeriod  = 30 * time.Second
	defaultArchiveBuffer  = 256
	defaultArchiveBatch   = 60
	defaultArchiveFlush   = time.Minute
	defaultArchivePrefix  = "bookscope"
	archiveUploadDeadline = 30 * time.Second
)

// bucketMemFile collects parquet output in memory so a batch can be uploaded
// with a single PutObject.
type bucketMemFile struct {
	buffer *bytes.Buffer
}

func newBucketMemFile() *bucketMemFile {
	return &bucketMemFile{buffer: &bytes.Buffer{}}
}

func (m *bucketMemFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *bucketMemFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *bucketMemFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *bucketMemFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *bucketMemFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *bucketMemFile) Close() error                              { return nil }
func (m *bucketMemFile) Bytes() []byte                             { return m.buffer.Bytes() }

// bucketRecord is one price level of one sealed bucket.
type bucketRecord struct {
	Instrument   string  `parquet:"name=instrument, type=BYTE_ARRAY, convertedtype=UTF8"`
	BucketStart  int64   `parquet:"name=bucket_start, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	WidthMillis  int64   `parquet:"name=width_ms, type=INT64"`
	Observations int32   `parquet:"name=observations, type=INT32"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Volume       float64 `parquet:"name=volume, type=DOUBLE"`
}

type sealedBucket struct {
	instrument models.Instrument
	bucket     models.TimeBucket
}

type bucketBatch struct {
	BatchID    string
	Instrument models.Instrument
	Buckets    []models.TimeBucket
	// Timestamp is the start of the earliest bucket in the batch.
	Timestamp time.Time
}

// objectPutter is the subset of the S3 client used by the archiver.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// BucketArchiver exports sealed window buckets to S3 as parquet files. Seal
// never blocks: when the queue is full the bucket is dropped and counted.
type BucketArchiver struct {
	cfg    config.S3Config
	client objectPutter
	queue  chan sealedBucket

	pending map[models.Instrument][]models.TimeBucket

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	bucketsWritten atomic.Int64
	filesWritten   atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64
	dropped        atomic.Int64
}

// NewBucketArchiver configures the AWS SDK and the S3 client used for
// uploads. Static credentials are used when both keys are set; otherwise the
// default provider chain applies.
func NewBucketArchiver(ctx context.Context, cfg config.S3Config) (*BucketArchiver, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent(archiveComponent).WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	a := newBucketArchiver(cfg, client)
	log.WithComponent(archiveComponent).WithFields(logger.Fields{
		"bucket": cfg.Bucket,
		"region": cfg.Region,
		"prefix": a.cfg.Prefix,
	}).Info("bucket archiver initialized")
	return a, nil
}

func newBucketArchiver(cfg config.S3Config, client objectPutter) *BucketArchiver {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultArchiveBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultArchiveBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultArchiveFlush
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultArchivePrefix
	}
	return &BucketArchiver{
		cfg:     cfg,
		client:  client,
		queue:   make(chan sealedBucket, cfg.Buffer),
		pending: make(map[models.Instrument][]models.TimeBucket),
		log:     logger.GetLogger(),
	}
}

// Seal queues a sealed bucket for export. It has the shape of a
// processor.SealHandler and is safe to call from any goroutine.
func (a *BucketArchiver) Seal(inst models.Instrument, bucket models.TimeBucket) {
	select {
	case a.queue <- sealedBucket{instrument: inst, bucket: bucket}:
	default:
		n := a.dropped.Add(1)
		metrics.EmitDropMetric(a.log, metrics.DropMetricArchive, "", inst.String(), "archive_queue")
		if n&(n-1) == 0 {
			a.log.WithComponent(archiveComponent).WithInstrument(inst.String()).WithFields(logger.Fields{
				"dropped":  n,
				"capacity": cap(a.queue),
			}).Warn("archive queue full, dropping bucket")
		}
	}
}

// Start launches the flush worker and the metrics reporter. Pending buckets
// are flushed when ctx is cancelled.
func (a *BucketArchiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("bucket archiver already running")
	}
	a.running = true
	a.mu.Unlock()

	a.wg.Add(2)
	go a.worker(ctx)
	go a.metricsReporter(ctx)

	a.log.WithComponent(archiveComponent).WithFields(logger.Fields{
		"flush_interval": a.cfg.FlushInterval.String(),
		"batch_size":     a.cfg.BatchSize,
		"buffer":         cap(a.queue),
	}).Info("bucket archiver started")
	return nil
}

// Stop waits for the final flush to complete.
func (a *BucketArchiver) Stop() {
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.log.WithComponent(archiveComponent).Info("bucket archiver stopped")
}

// Stats returns the archiver counters.
func (a *BucketArchiver) Stats() metrics.ArchiveStats {
	return metrics.ArchiveStats{
		BucketsWritten: a.bucketsWritten.Load(),
		FilesWritten:   a.filesWritten.Load(),
		BytesWritten:   a.bytesWritten.Load(),
		ErrorsCount:    a.errorsCount.Load(),
		Dropped:        a.dropped.Load(),
		QueueLen:       len(a.queue),
		QueueCap:       cap(a.queue),
	}
}

// Buffer exposes the queue for channel size metrics.
func (a *BucketArchiver) Buffer() metrics.Buffer {
	return metrics.Buffer{
		Name: "archive_queue",
		Len:  func() int { return len(a.queue) },
		Cap:  func() int { return cap(a.queue) },
	}
}

func (a *BucketArchiver) worker(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.drain()
			a.flushAll(context.WithoutCancel(ctx), "shutdown")
			return
		case <-ticker.C:
			a.flushAll(ctx, "interval")
		case sb := <-a.queue:
			a.add(ctx, sb)
		}
	}
}

func (a *BucketArchiver) drain() {
	for {
		select {
		case sb := <-a.queue:
			a.pending[sb.instrument] = append(a.pending[sb.instrument], sb.bucket)
		default:
			return
		}
	}
}

func (a *BucketArchiver) add(ctx context.Context, sb sealedBucket) {
	buckets := append(a.pending[sb.instrument], sb.bucket)
	if len(buckets) < a.cfg.BatchSize {
		a.pending[sb.instrument] = buckets
		return
	}
	delete(a.pending, sb.instrument)
	a.writeBatch(ctx, sb.instrument, buckets, "batch_size")
}

func (a *BucketArchiver) flushAll(ctx context.Context, reason string) {
	if len(a.pending) == 0 {
		return
	}
	pending := a.pending
	a.pending = make(map[models.Instrument][]models.TimeBucket)

	instruments := make([]models.Instrument, 0, len(pending))
	for inst := range pending {
		instruments = append(instruments, inst)
	}
	sort.Slice(instruments, func(i, j int) bool { return instruments[i] < instruments[j] })

	a.log.WithComponent(archiveComponent).WithFields(logger.Fields{
		"instruments": len(instruments),
		"reason":      reason,
	}).Debug("flushing archive buffers")

	for _, inst := range instruments {
		a.writeBatch(ctx, inst, pending[inst], reason)
	}
}

func (a *BucketArchiver) writeBatch(ctx context.Context, inst models.Instrument, buckets []models.TimeBucket, reason string) {
	if len(buckets) == 0 {
		return
	}
	batch := bucketBatch{
		BatchID:    uuid.New().String(),
		Instrument: inst,
		Buckets:    buckets,
		Timestamp:  buckets[0].Start,
	}
	log := a.log.WithComponent(archiveComponent).WithInstrument(inst.String()).WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"buckets":  len(buckets),
		"reason":   reason,
	})

	start := time.Now()
	data, err := createBucketParquet(batch)
	if err != nil {
		a.errorsCount.Add(1)
		log.WithError(err).Error("failed to create parquet for bucket batch")
		return
	}

	key := bucketS3Key(a.cfg.Prefix, batch)
	uploadCtx, cancel := context.WithTimeout(ctx, archiveUploadDeadline)
	defer cancel()
	if _, err := a.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	}); err != nil {
		a.errorsCount.Add(1)
		log.WithError(err).WithField("s3_key", key).Error("failed to upload bucket batch")
		return
	}

	a.bucketsWritten.Add(int64(len(buckets)))
	a.filesWritten.Add(1)
	a.bytesWritten.Add(int64(len(data)))

	log = log.WithFields(logger.Fields{"s3_key": key, "bytes": len(data)})
	log.Info("bucket batch uploaded")
	logger.LogDataFlowEntry(log, "window", "s3", len(buckets), "buckets")
	logger.LogPerformanceEntry(log, archiveComponent, "write_batch", time.Since(start), nil)
}

func (a *BucketArchiver) metricsReporter(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(archiveMetricsPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReportArchive(a.log, a.Stats())
		}
	}
}

// createBucketParquet writes one row per bucket level.
func createBucketParquet(batch bucketBatch) ([]byte, error) {
	mf := newBucketMemFile()
	pw, err := writer.NewParquetWriter(mf, new(bucketRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	inst := batch.Instrument.String()
	for _, b := range batch.Buckets {
		base := bucketRecord{
			Instrument:   inst,
			BucketStart:  b.Start.UTC().UnixMilli(),
			WidthMillis:  b.Width.Milliseconds(),
			Observations: int32(b.Observations),
		}
		for _, side := range []struct {
			name   models.Side
			levels []models.BucketLevel
		}{{models.SideBid, b.Bids}, {models.SideAsk, b.Asks}} {
			for _, l := range side.levels {
				rec := base
				rec.Side = string(side.name)
				rec.Price = l.Price
				rec.Volume = l.Volume
				if err := pw.Write(rec); err != nil {
					pw.WriteStop()
					return nil, err
				}
			}
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// bucketS3Key partitions objects by instrument, date and hour of the first
// bucket in the batch.
func bucketS3Key(prefix string, batch bucketBatch) string {
	ts := batch.Timestamp.UTC()
	inst := strings.ToUpper(strings.ReplaceAll(batch.Instrument.String(), "/", "-"))

	parts := []string{
		fmt.Sprintf("instrument=%s", inst),
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("%s_%s.parquet", ts.Format("20060102150405"), batch.BatchID),
	}
	if prefix != "" {
		parts = append([]string{strings.Trim(prefix, "/")}, parts...)
	}
	return filepath.ToSlash(filepath.Join(parts...))
}
