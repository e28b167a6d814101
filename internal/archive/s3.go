// Package archive uploads observability record batches to S3 as
// date-partitioned JSONL objects. It is a best-effort secondary sink fed by
// the observability writer; the analytical store remains the source of truth.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/infermux/infermux/internal/store"
)

// Config contains settings for the S3 archiver.
type Config struct {
	Bucket        string
	Region        string
	Endpoint      string // custom endpoint for MinIO and friends
	Prefix        string
	AccessKeyID   string // optional, default AWS credential chain when empty
	SecretKey     string
	BatchSize     int
	FlushInterval time.Duration
}

// ConfigFromEnv fills credential fields from the standard AWS environment.
func ConfigFromEnv(cfg Config) Config {
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_REGION")
	}
	if cfg.AccessKeyID == "" {
		cfg.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if cfg.SecretKey == "" {
		cfg.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	return cfg
}

// line is one JSONL record tagged with its logical table.
type line struct {
	Table  string `json:"table"`
	Record any    `json:"record"`
}

// Archiver batches records and uploads them on a timer or when the batch
// fills. All methods are non-blocking for callers.
type Archiver struct {
	cfg    Config
	client *s3.Client
	logger *slog.Logger

	mu    sync.Mutex
	queue []line

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an archiver and starts its background flush loop.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	a := &Archiver{
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		logger: logger,
		queue:  make([]line, 0, cfg.BatchSize),
		stopCh: make(chan struct{}),
	}

	a.wg.Add(1)
	go a.flushLoop()

	return a, nil
}

// ArchiveInferences queues inference records for upload.
func (a *Archiver) ArchiveInferences(records []*store.InferenceRecord) {
	a.enqueue("inference", len(records), func(i int) any { return records[i] })
}

// ArchiveModelInferences queues model inference records for upload.
func (a *Archiver) ArchiveModelInferences(records []*store.ModelInferenceRecord) {
	a.enqueue("model_inference", len(records), func(i int) any { return records[i] })
}

// ArchiveFeedback queues feedback records for upload.
func (a *Archiver) ArchiveFeedback(records []*store.FeedbackRecord) {
	a.enqueue("feedback", len(records), func(i int) any { return records[i] })
}

func (a *Archiver) enqueue(table string, n int, record func(int) any) {
	a.mu.Lock()
	for i := 0; i < n; i++ {
		a.queue = append(a.queue, line{Table: table, Record: record(i)})
	}
	full := len(a.queue) >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		go a.flush(context.Background())
	}
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush(context.Background())
		case <-a.stopCh:
			return
		}
	}
}

// flush uploads the queued records as one JSONL object.
func (a *Archiver) flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.queue) == 0 {
		a.mu.Unlock()
		return
	}
	lines := a.queue
	a.queue = make([]line, 0, a.cfg.BatchSize)
	a.mu.Unlock()

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for i := range lines {
		if err := encoder.Encode(&lines[i]); err != nil {
			continue
		}
	}

	key := a.objectKey(time.Now().UTC())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.logger.Error("archive upload failed", "key", key, "records", len(lines), "error", err)
	}
}

// objectKey partitions uploads by date and hour for query-friendly layout.
func (a *Archiver) objectKey(t time.Time) string {
	datePrefix := fmt.Sprintf("year=%d/month=%02d/day=%02d/hour=%02d",
		t.Year(), t.Month(), t.Day(), t.Hour())
	filename := fmt.Sprintf("records_%d.jsonl", t.UnixNano())

	if a.cfg.Prefix != "" {
		return path.Join(a.cfg.Prefix, datePrefix, filename)
	}
	return path.Join(datePrefix, filename)
}

// Close flushes remaining records and stops the background loop.
func (a *Archiver) Close(ctx context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	a.flush(ctx)
	return nil
}
