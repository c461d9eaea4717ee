package retry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hookwire/hookwire/internal/clock"
	"github.com/hookwire/hookwire/internal/domain"
	"github.com/hookwire/hookwire/internal/repository"
)

// Submitter accepts deliveries for execution. Submit must not block: it
// returns false when the executor queue is full, in which case the claim on
// the delivery simply expires and a later poll picks it up again.
type Submitter interface {
	Submit(d *domain.Delivery) bool
}

// PollerConfig holds configuration for the retry poller.
//
// PollInterval bounds retry timing precision and should be short relative to
// the smallest configured retry delay. ClaimFor is how long a claimed
// delivery stays invisible to other pollers before its claim expires.
type PollerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	ClaimFor     time.Duration
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		ClaimFor:     30 * time.Second,
	}
}

// Poller periodically pulls pending/retrying deliveries whose next_retry_at
// has elapsed and resubmits them to the executor. It does not execute
// attempts itself. Multiple instances can run concurrently; claims are
// serialized by the repository (FOR UPDATE SKIP LOCKED).
type Poller struct {
	config     PollerConfig
	deliveries repository.DeliveryRepository
	submitter  Submitter
	clock      clock.Clock
	logger     *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewPoller(
	deliveries repository.DeliveryRepository,
	submitter Submitter,
	config PollerConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *Poller {
	if config.PollInterval == 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.BatchSize == 0 {
		config.BatchSize = 100
	}
	if config.ClaimFor == 0 {
		config.ClaimFor = 30 * time.Second
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Poller{
		config:     config,
		deliveries: deliveries,
		submitter:  submitter,
		clock:      clk,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins polling. It blocks until Stop is called or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("retry poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
	)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("retry poller stopping: context cancelled")
			return
		case <-p.stopCh:
			p.logger.Info("retry poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Stop signals the poller to stop and waits for the in-flight poll.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Poller) poll(ctx context.Context) {
	p.wg.Add(1)
	defer p.wg.Done()

	due, err := p.deliveries.ClaimDue(ctx, p.clock.Now(), p.config.ClaimFor, p.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("failed to claim due deliveries", "error", err)
		}
		return
	}
	if len(due) == 0 {
		return
	}

	submitted := 0
	for _, d := range due {
		if p.submitter.Submit(d) {
			submitted++
		}
	}

	p.logger.Debug("resubmitted due deliveries",
		"claimed", len(due),
		"submitted", submitted,
	)
}
