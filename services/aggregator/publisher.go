package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"epochpay/core/events"
	"epochpay/core/ledger"
	"epochpay/observability/metrics"
)

// Ledger is the settlement-core surface the publisher drives.
type Ledger interface {
	InitChannel(channel string) error
	PublishRoot(caller ledger.Address, channel string, epoch uint64, root [32]byte, totalClaimable uint64, claimCount uint16) error
}

// retryState tracks one channel's progress through the bounded backoff
// schedule. Abandoned channels are skipped until process restart rather than
// retried forever.
type retryState struct {
	Attempts    int
	NextRetryAt time.Time
	Abandoned   bool
}

// PublisherConfig tunes the sync loop and its backoff schedule.
type PublisherConfig struct {
	Caller         ledger.Address
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	BatchLimit     int
}

// DefaultPublisherConfig returns the production defaults.
func DefaultPublisherConfig(caller ledger.Address) PublisherConfig {
	return PublisherConfig{
		Caller:         caller,
		PollInterval:   15 * time.Second,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		MaxAttempts:    8,
		BatchLimit:     64,
	}
}

// Publisher is the single-writer process that moves sealed roots onto the
// channel ledger. It polls for sealed-but-unpublished epochs and tolerates the
// crash window between the ledger write and the mark-published write: the
// ledger-side publish is idempotent for an identical commitment, so the next
// poll simply re-submits.
type Publisher struct {
	store   *Store
	ledger  Ledger
	cfg     PublisherConfig
	logger  *slog.Logger
	emitter events.Emitter
	nowFn   func() time.Time
	retries map[string]*retryState
}

// NewPublisher constructs a publisher over the store and settlement core.
func NewPublisher(store *Store, target Ledger, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:   store,
		ledger:  target,
		cfg:     cfg,
		logger:  logger,
		emitter: events.NoopEmitter{},
		nowFn:   time.Now,
		retries: make(map[string]*retryState),
	}
}

// SetEmitter configures the event emitter used for abandonment notices.
func (p *Publisher) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	p.emitter = emitter
}

// SetNowFunc overrides the time source for deterministic testing.
func (p *Publisher) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	p.nowFn = now
}

// Run polls until the context is cancelled. The publisher is the only writer
// submitting commitments, so no additional locking is needed around Sync.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := p.Sync(ctx); err != nil {
			p.logger.Error("publisher sync failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync performs one poll: every sealed-but-unpublished epoch whose channel is
// neither abandoned nor backing off is submitted to the ledger and marked
// published on success.
func (p *Publisher) Sync(ctx context.Context) error {
	seals, err := p.store.UnpublishedSeals(ctx, p.cfg.BatchLimit)
	if err != nil {
		return err
	}
	now := p.nowFn()
	for i := range seals {
		seal := &seals[i]
		state := p.retryStateFor(seal.Channel)
		if state.Abandoned || now.Before(state.NextRetryAt) {
			continue
		}
		if err := p.submit(ctx, seal); err != nil {
			p.recordFailure(seal.Channel, state, err)
			continue
		}
		// Success resets the channel's backoff schedule.
		delete(p.retries, seal.Channel)
		metrics.Ledger().ObservePublish()
		p.logger.Info("epoch published",
			"channel", seal.Channel,
			"epoch", seal.Epoch,
			"root", seal.RootHex,
		)
	}
	return nil
}

func (p *Publisher) submit(ctx context.Context, seal *Seal) error {
	root, err := seal.Root()
	if err != nil {
		return err
	}
	if seal.ClaimCount > ledger.MaxClaims {
		// The uint16 wire conversion below must never wrap.
		return fmt.Errorf("aggregator: seal claim count %d exceeds slot capacity %d", seal.ClaimCount, ledger.MaxClaims)
	}
	if err := p.ledger.InitChannel(seal.Channel); err != nil {
		return err
	}
	if err := p.ledger.PublishRoot(p.cfg.Caller, seal.Channel, seal.Epoch, root, seal.TotalClaimable, uint16(seal.ClaimCount)); err != nil {
		return err
	}
	return p.store.MarkPublished(ctx, seal.ID, p.nowFn())
}

func (p *Publisher) retryStateFor(channel string) *retryState {
	state, ok := p.retries[channel]
	if !ok {
		state = &retryState{}
		p.retries[channel] = state
	}
	return state
}

// recordFailure advances the channel through the bounded exponential backoff:
// initial delay, doubling per failure, a hard ceiling, and abandonment once
// the attempt budget is spent.
func (p *Publisher) recordFailure(channel string, state *retryState, cause error) {
	state.Attempts++
	if p.cfg.MaxAttempts > 0 && state.Attempts >= p.cfg.MaxAttempts {
		state.Abandoned = true
		metrics.Ledger().ObserveAbandoned(channel)
		p.emitter.Emit(events.ChannelAbandoned(channel, state.Attempts))
		p.logger.Error("channel abandoned after repeated publish failures",
			"channel", channel,
			"attempts", state.Attempts,
			"err", cause,
		)
		return
	}
	delay := p.cfg.InitialBackoff << (state.Attempts - 1)
	if delay > p.cfg.MaxBackoff || delay <= 0 {
		delay = p.cfg.MaxBackoff
	}
	state.NextRetryAt = p.nowFn().Add(delay)
	p.logger.Warn("publish failed, backing off",
		"channel", channel,
		"attempt", state.Attempts,
		"retryIn", delay,
		"err", cause,
	)
}

// Abandoned reports whether a channel has exhausted its retry budget.
func (p *Publisher) Abandoned(channel string) bool {
	state, ok := p.retries[channel]
	return ok && state.Abandoned
}
