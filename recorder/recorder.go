package recorder

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "marketmux/config"
	"marketmux/internal/symbols"
	"marketmux/logger"
	"marketmux/models"
)

// levelRecord is the parquet schema for captured book updates: one row per
// price level per update.
type levelRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Event        string  `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Amount       float64 `parquet:"name=amount, type=DOUBLE"`
	Nonce        int64   `parquet:"name=nonce, type=INT64"`
	BookTime     int64   `parquet:"name=book_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ReceivedTime int64   `parquet:"name=received_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// s3API is the slice of the S3 client the recorder uses.
type s3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// memFile is an in-memory parquet sink; batches are small enough to build a
// whole object before the upload.
type memFile struct{ buffer *bytes.Buffer }

func newMemFile() *memFile { return &memFile{buffer: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// Recorder consumes merged book updates and writes them to S3 as parquet
// objects, buffered per symbol and flushed by size or interval.
type Recorder struct {
	cfg         appconfig.S3Config
	books       <-chan models.BookUpdate
	s3Client    s3API
	buffer      map[string][]models.BookUpdate
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log
}

// New initializes a recorder with AWS credentials from configuration.
func New(cfg appconfig.S3Config, books <-chan models.BookUpdate) (*Recorder, error) {
	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &Recorder{
		cfg:      cfg,
		books:    books,
		s3Client: s3Client,
		buffer:   make(map[string][]models.BookUpdate),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}, nil
}

// Start launches the consumer worker and the flush ticker.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	r.ctx = ctx
	interval := r.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	r.flushTicker = time.NewTicker(interval)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.worker()

	r.wg.Add(1)
	go r.flushLoop()

	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"bucket":         r.cfg.Bucket,
		"flush_interval": interval.String(),
		"batch_size":     r.cfg.BatchSize,
	}).Info("recorder started")
	return nil
}

// Stop waits for workers and flushes remaining buffers.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	r.wg.Wait()
	r.flushBuffers()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case update, ok := <-r.books:
			if !ok {
				return
			}
			r.add(update)
		}
	}
}

func (r *Recorder) add(update models.BookUpdate) {
	key := update.Exchange + "|" + update.Symbol
	r.mu.Lock()
	r.buffer[key] = append(r.buffer[key], update)
	size := len(r.buffer[key])
	r.mu.Unlock()

	if r.cfg.BatchSize > 0 && size >= r.cfg.BatchSize {
		r.flushKey(key)
	}
}

func (r *Recorder) flushKey(key string) {
	r.mu.Lock()
	updates, ok := r.buffer[key]
	if !ok || len(updates) == 0 {
		r.mu.Unlock()
		return
	}
	delete(r.buffer, key)
	r.mu.Unlock()

	r.writeBatch(key, updates)
}

func (r *Recorder) flushLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flushBuffers()
		}
	}
}

func (r *Recorder) flushBuffers() {
	r.mu.Lock()
	buffers := r.buffer
	r.buffer = make(map[string][]models.BookUpdate)
	r.mu.Unlock()

	for key, updates := range buffers {
		if len(updates) == 0 {
			continue
		}
		r.writeBatch(key, updates)
	}
}

func (r *Recorder) writeBatch(key string, updates []models.BookUpdate) {
	start := time.Now()
	data, records, err := r.createParquet(updates)
	if err != nil {
		r.log.WithComponent("recorder").WithError(err).Error("create parquet failed")
		return
	}

	objectKey := r.objectKey(updates[0])
	if err := r.upload(objectKey, data); err != nil {
		r.log.WithComponent("recorder").WithError(err).WithFields(logger.Fields{
			"s3_key": objectKey,
		}).Error("upload to s3 failed")
		return
	}

	duration := time.Since(start)
	r.log.WithComponent("recorder").WithFields(logger.Fields{
		"s3_key":      objectKey,
		"updates":     len(updates),
		"records":     records,
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}).Info("book batch uploaded")
	logger.RecordChannelMessage("s3_uploads", len(data))
}

func (r *Recorder) createParquet(updates []models.BookUpdate) ([]byte, int, error) {
	mw := newMemFile()
	pw, err := writer.NewParquetWriter(mw, new(levelRecord), 4)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	records := 0
	for _, update := range updates {
		received := update.ReceivedAt.UnixMilli()
		for _, side := range []struct {
			name   string
			levels []models.PriceLevel
		}{
			{"bid", update.Book.Bids},
			{"ask", update.Book.Asks},
		} {
			for _, level := range side.levels {
				rec := levelRecord{
					Exchange:     update.Exchange,
					Symbol:       update.Symbol,
					Event:        update.Event,
					Side:         side.name,
					Price:        level.Price,
					Amount:       level.Amount,
					Nonce:        update.Book.Nonce,
					BookTime:     update.Book.Timestamp,
					ReceivedTime: received,
				}
				if err := pw.Write(rec); err != nil {
					return nil, 0, err
				}
				records++
			}
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}
	return mw.Bytes(), records, nil
}

func (r *Recorder) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(r.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	ctx := context.WithoutCancel(r.ctx)
	_, err := r.s3Client.PutObject(ctx, input)
	return err
}

func (r *Recorder) objectKey(update models.BookUpdate) string {
	ts := update.ReceivedAt.UTC()
	parts := []string{}
	if r.cfg.Prefix != "" {
		parts = append(parts, r.cfg.Prefix)
	}
	parts = append(parts,
		fmt.Sprintf("exchange=%s", update.Exchange),
		fmt.Sprintf("symbol=%s", symbols.MarketID(update.Symbol)),
		fmt.Sprintf("%04d/%02d/%02d/%02d", ts.Year(), int(ts.Month()), ts.Day(), ts.Hour()),
	)
	filename := fmt.Sprintf("books_%s_%s_%s.parquet",
		update.Exchange, strings.ToLower(symbols.MarketID(update.Symbol)), uuid.New().String())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
