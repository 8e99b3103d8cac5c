package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreConfig controls the database-backed audit sink.
type StoreConfig struct {
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	QueueSize     int           `json:"queue_size"`
}

// DefaultStoreConfig returns safe defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
		QueueSize:     4096,
	}
}

// StoreSink persists audit events to a database asynchronously. Writes are
// batched; a full queue drops the event with a warning rather than blocking
// the governance path.
type StoreSink struct {
	db     *gorm.DB
	logger *zap.SugaredLogger
	config *StoreConfig

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewStoreSink creates a database-backed sink and starts its flush worker.
func NewStoreSink(db *gorm.DB, logger *zap.SugaredLogger, config *StoreConfig) (*StoreSink, error) {
	if config == nil {
		config = DefaultStoreConfig()
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}

	s := &StoreSink{
		db:     db,
		logger: logger.Named("audit-store"),
		config: config,
		queue:  make(chan Event, config.QueueSize),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushWorker()
	return s, nil
}

func (s *StoreSink) Record(_ context.Context, event Event) error {
	select {
	case s.queue <- event:
		return nil
	default:
		s.logger.Warnw("audit queue full, dropping event",
			"event_id", event.ID, "action", event.Action)
		return fmt.Errorf("audit queue full")
	}
}

// Close drains the queue and stops the worker.
func (s *StoreSink) Close() error {
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *StoreSink) flushWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, s.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.db.Create(&batch).Error; err != nil {
			s.logger.Errorw("audit batch write failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Recent returns the most recent events, newest first.
func (s *StoreSink) Recent(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}
