package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "priceflow/config"
	"priceflow/internal/models"
	"priceflow/logger"
)

// TickRecord is the parquet row layout for one archived price tick.
type TickRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Volume    float64 `parquet:"name=volume, type=DOUBLE"`
	Bid       float64 `parquet:"name=bid, type=DOUBLE"`
	Ask       float64 `parquet:"name=ask, type=DOUBLE"`
	High24h   float64 `parquet:"name=high_24h, type=DOUBLE"`
	Low24h    float64 `parquet:"name=low_24h, type=DOUBLE"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quality   float64 `parquet:"name=quality, type=DOUBLE"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFile adapts a bytes.Buffer to the parquet writer's file interface so
// files are assembled in memory and uploaded in one PutObject.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (mf *memoryFile) Create(name string) (source.ParquetFile, error) { return mf, nil }

func (mf *memoryFile) Open(name string) (source.ParquetFile, error) { return mf, nil }

func (mf *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(mf.buffer.Len()), nil
}

func (mf *memoryFile) Read(b []byte) (int, error) { return mf.buffer.Read(b) }

func (mf *memoryFile) Write(b []byte) (int, error) { return mf.buffer.Write(b) }

func (mf *memoryFile) Close() error { return nil }

func (mf *memoryFile) Bytes() []byte { return mf.buffer.Bytes() }

// ArchiveWriter batches accepted price updates and ships them to S3 as
// date-partitioned parquet files. It is fed through the collector's callback
// hook; Add never blocks the reconciliation pipeline.
type ArchiveWriter struct {
	config   *appconfig.Config
	s3Client *s3.Client
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.Mutex
	running  bool
	log      *logger.Log

	bufMu       sync.Mutex
	buffer      []models.PriceUpdate
	flushTicker *time.Ticker
}

// NewArchiveWriter builds the writer and validates the AWS credentials up
// front so a misconfiguration fails at startup rather than on first flush.
func NewArchiveWriter(cfg *appconfig.Config) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	arch := cfg.Storage.Archive
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(arch.Region),
	}
	if arch.AccessKeyID != "" && arch.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(arch.AccessKeyID, arch.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	w := &ArchiveWriter{
		config:   cfg,
		s3Client: s3.NewFromConfig(awsConfig),
		wg:       &sync.WaitGroup{},
		log:      log,
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket": arch.Bucket,
		"region": arch.Region,
		"prefix": arch.Prefix,
	}).Info("archive writer initialized")

	return w, nil
}

// Start launches the flush worker.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.flushTicker = time.NewTicker(w.config.Storage.Archive.FlushInterval)

	w.wg.Add(1)
	go w.flushWorker()

	w.log.WithComponent("archive_writer").Info("archive writer started")
	return nil
}

// Stop flushes the remaining buffer and waits for the worker to exit.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.log.WithComponent("archive_writer").Info("stopping archive writer")
	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

// Add buffers one update. When the batch cap is reached the buffer is flushed
// asynchronously so the caller never waits on S3.
func (w *ArchiveWriter) Add(u models.PriceUpdate) {
	w.bufMu.Lock()
	w.buffer = append(w.buffer, u)
	full := len(w.buffer) >= w.config.Storage.Archive.BatchSize
	w.bufMu.Unlock()

	if full {
		go w.flush("batch_full")
	}
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flush("shutdown")
			log.Info("flush worker stopped")
			return
		case <-w.flushTicker.C:
			w.flush("interval")
		}
	}
}

func (w *ArchiveWriter) flush(reason string) {
	w.bufMu.Lock()
	entries := w.buffer
	w.buffer = nil
	w.bufMu.Unlock()

	if len(entries) == 0 {
		return
	}

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"entries": len(entries),
		"reason":  reason,
	})
	log.Info("flushing tick buffer")

	data, err := buildParquet(entries)
	if err != nil {
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	key := w.objectKey(time.Now().UTC())
	if err := w.upload(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": w.config.Storage.Archive.Bucket,
			"key":    key,
		}).Error("failed to upload tick archive")
		return
	}

	logger.IncrementArchiveWrite(int64(len(data)))
	log.WithFields(logger.Fields{"key": key, "file_size": len(data)}).Info("tick archive uploaded")
}

// objectKey builds a date-partitioned key such as
// prefix/date=2026-09-01/hour=14/ticks_20260901141500_<uuid>.parquet.
func (w *ArchiveWriter) objectKey(now time.Time) string {
	filename := fmt.Sprintf("ticks_%s_%s.parquet", now.Format("20060102150405"), uuid.New().String()[:8])
	key := filepath.Join(
		w.config.Storage.Archive.Prefix,
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", now.Hour()),
		filename,
	)
	return filepath.ToSlash(key)
}

func buildParquet(entries []models.PriceUpdate) ([]byte, error) {
	mf := newMemoryFile()
	pw, err := parquetwriter.NewParquetWriter(mf, new(TickRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, u := range entries {
		record := TickRecord{
			Symbol:    string(u.Symbol),
			Price:     u.Price,
			Volume:    u.Volume,
			Bid:       u.Bid,
			Ask:       u.Ask,
			High24h:   u.High24h,
			Low24h:    u.Low24h,
			Source:    string(u.Source),
			Quality:   u.QualityScore,
			Timestamp: u.Timestamp.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return mf.Bytes(), nil
}

func (w *ArchiveWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.Archive.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"priceflow-version": w.config.Priceflow.Version,
		},
	}

	// Shutdown flushes must finish even though the run context is cancelled.
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.Archive.Bucket, err)
	}
	return nil
}
