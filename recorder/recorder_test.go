package recorder

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "marketmux/config"
	"marketmux/logger"
	"marketmux/models"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]int
}

func (f *fakeS3) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	buf := make([]byte, 1<<20)
	n, _ := input.Body.Read(buf)
	f.mu.Lock()
	if f.objects == nil {
		f.objects = make(map[string]int)
	}
	f.objects[*input.Key] = n
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func testRecorder(cfg appconfig.S3Config, fake *fakeS3) (*Recorder, chan models.BookUpdate) {
	books := make(chan models.BookUpdate, 16)
	return &Recorder{
		cfg:      cfg,
		books:    books,
		s3Client: fake,
		buffer:   make(map[string][]models.BookUpdate),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}, books
}

func sampleUpdate(symbol string) models.BookUpdate {
	return models.BookUpdate{
		Exchange: "binance",
		Symbol:   symbol,
		Event:    "orderbook",
		Book: models.OrderBook{
			Bids:      []models.PriceLevel{{Price: 100, Amount: 2}},
			Asks:      []models.PriceLevel{{Price: 101, Amount: 1}},
			Timestamp: 1700000000000,
			Nonce:     42,
		},
		ReceivedAt: time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC),
	}
}

func TestRecorderFlushOnBatchSize(t *testing.T) {
	fake := &fakeS3{}
	rec, books := testRecorder(appconfig.S3Config{
		Bucket:        "test-bucket",
		Prefix:        "capture",
		BatchSize:     2,
		FlushInterval: time.Hour,
	}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rec.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	books <- sampleUpdate("BTC/USDT")
	books <- sampleUpdate("BTC/USDT")

	deadline := time.Now().Add(5 * time.Second)
	for fake.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := fake.count(); got != 1 {
		t.Fatalf("uploaded objects = %d, want 1", got)
	}

	key := fake.keys()[0]
	for _, part := range []string{"capture/", "exchange=binance", "symbol=BTCUSDT", "2024/03/05/14", ".parquet"} {
		if !strings.Contains(key, part) {
			t.Errorf("object key %q missing %q", key, part)
		}
	}

	cancel()
	rec.Stop()
}

func TestRecorderFlushesRemainderOnStop(t *testing.T) {
	fake := &fakeS3{}
	rec, books := testRecorder(appconfig.S3Config{
		Bucket:        "test-bucket",
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	if err := rec.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	books <- sampleUpdate("ETH/USDT")

	// Give the worker a moment to buffer the update before shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()
	rec.Stop()

	if got := fake.count(); got != 1 {
		t.Fatalf("uploaded objects = %d, want 1 (remainder flushed on stop)", got)
	}
}

func TestCreateParquetRecordCount(t *testing.T) {
	rec, _ := testRecorder(appconfig.S3Config{}, &fakeS3{})

	updates := []models.BookUpdate{sampleUpdate("BTC/USDT"), sampleUpdate("BTC/USDT")}
	data, records, err := rec.createParquet(updates)
	if err != nil {
		t.Fatalf("createParquet: %v", err)
	}
	// Two updates, each a bid and an ask level.
	if records != 4 {
		t.Errorf("records = %d, want 4", records)
	}
	if len(data) == 0 {
		t.Error("expected non-empty parquet payload")
	}
}
