package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/rag-gateway/internal/redact"
	"github.com/upb/rag-gateway/models"
	"github.com/upb/rag-gateway/repositories"
	"go.uber.org/zap"
)

// Result labels reported to a ResultObserver
const (
	ResultSaved   = "saved"
	ResultFailed  = "failed"
	ResultDropped = "dropped"
)

var (
	// ErrNotStarted is returned when recording before Start or after Stop
	ErrNotStarted = errors.New("interaction log not running")

	// ErrBufferFull is returned when the queue cannot take another record
	ErrBufferFull = errors.New("interaction log buffer full")
)

// ResultObserver is told what happened to each record
type ResultObserver interface {
	ObserveInteraction(result string)
}

type nopObserver struct{}

func (nopObserver) ObserveInteraction(string) {}

// Config holds configuration for the Service
type Config struct {
	BufferSize   int           // Size of the record buffer channel
	WorkerCount  int           // Number of concurrent workers
	WriteTimeout time.Duration // Per-insert deadline
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   256,
		WorkerCount:  2,
		WriteTimeout: 5 * time.Second,
	}
}

// Service persists interactions asynchronously. Recording never blocks the
// caller: when the buffer is full the record is dropped and counted.
type Service struct {
	repo     repositories.InteractionRepository
	observer ResultObserver
	logger   *zap.Logger
	config   Config

	records chan *models.Interaction
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewService creates a new interaction log Service
func NewService(repo repositories.InteractionRepository, observer ResultObserver, logger *zap.Logger, config Config) *Service {
	defaults := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = defaults.WorkerCount
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}

	return &Service{
		repo:     repo,
		observer: observer,
		logger:   logger,
		config:   config,
		records:  make(chan *models.Interaction, config.BufferSize),
	}
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("interaction log already started")
	}

	for i := 0; i < s.config.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started interaction log",
		zap.Int("worker_count", s.config.WorkerCount),
		zap.Int("buffer_size", s.config.BufferSize))

	return nil
}

// Stop stops accepting records and waits for queued ones to be written.
// Calling it again is a no-op.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	pending := len(s.records)
	close(s.records)
	s.mu.Unlock()

	s.logger.Info("stopping interaction log", zap.Int("pending_records", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("interaction log stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("interaction log stop timeout after %v", timeout)
	}
}

// Record queues an interaction without blocking
func (s *Service) Record(interaction *models.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return ErrNotStarted
	}

	select {
	case s.records <- interaction:
		return nil
	default:
		s.observer.ObserveInteraction(ResultDropped)
		s.logger.Warn("interaction log buffer full, dropping record",
			zap.String("request_id", interaction.RequestID))
		return ErrBufferFull
	}
}

func (s *Service) worker(id int) {
	defer s.wg.Done()

	for interaction := range s.records {
		if err := s.write(interaction); err != nil {
			s.observer.ObserveInteraction(ResultFailed)
			s.logger.Error("failed to write interaction",
				zap.Int("worker_id", id),
				zap.String("request_id", interaction.RequestID),
				zap.Error(err))
			continue
		}
		s.observer.ObserveInteraction(ResultSaved)
	}
}

// write persists one interaction. Personal data in the query and in the
// error message is masked first; provider errors can echo the prompt.
func (s *Service) write(interaction *models.Interaction) error {
	interaction.Query = redact.Text(interaction.Query)
	if interaction.ErrorMessage != nil {
		masked := redact.Text(*interaction.ErrorMessage)
		interaction.ErrorMessage = &masked
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	return s.repo.Insert(ctx, interaction)
}

// Stats represents interaction log statistics
type Stats struct {
	BufferSize     int
	PendingRecords int
	WorkerCount    int
	Running        bool
}

// GetStats returns statistics about the Service
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:     s.config.BufferSize,
		PendingRecords: len(s.records),
		WorkerCount:    s.config.WorkerCount,
		Running:        s.started && !s.stopped,
	}
}
