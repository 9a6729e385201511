package ledger

import (
	"fmt"
	"math"
	"sync"

	"epochpay/core/events"
	"epochpay/core/merkle"
	"epochpay/native/fees"
)

// TierSource resolves the reputation tier for a participant identity. Tier
// data comes from an external attestation collaborator; a missing entry is
// treated as tier 0, which disables the creator fee entirely.
type TierSource interface {
	TierOf(identity string) (uint8, bool)
}

// StaticTierSource is a fixed identity-to-tier table.
type StaticTierSource map[string]uint8

// TierOf implements TierSource.
func (s StaticTierSource) TierOf(identity string) (uint8, bool) {
	tier, ok := s[identity]
	return tier, ok
}

// ClaimRequest carries everything needed to verify and settle one entitlement.
type ClaimRequest struct {
	Claimer  Address
	Channel  string
	Epoch    uint64
	Index    uint32
	Amount   uint64
	Identity string
	Proof    [][32]byte
}

// ClaimReceipt is the settled payout instruction returned to the caller.
type ClaimReceipt struct {
	Channel      string
	Epoch        uint64
	Index        uint32
	Claimer      Address
	Amount       uint64
	Tier         uint8
	Fee          uint64
	FeeRecipient Address
	FeeRouted    bool
}

// Engine is the settlement core: it applies publishes and claims to channel
// rings as atomic state transitions. A single mutex serializes all mutations,
// mirroring the single-writer-per-account discipline of the ledger model;
// racing callers resolve deterministically through the slot and bitmap checks.
type Engine struct {
	mu      sync.Mutex
	state   State
	emitter events.Emitter
	tiers   TierSource
}

// NewEngine constructs an engine over the given state backend.
func NewEngine(state State) *Engine {
	return &Engine{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetTierSource configures the external reputation tier lookup.
func (e *Engine) SetTierSource(tiers TierSource) { e.tiers = tiers }

// Initialize writes the protocol config singleton if it does not exist yet.
// Re-running against an initialized ledger is a no-op.
func (e *Engine) Initialize(cfg ProtocolConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, exists, err := e.state.Config()
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return e.state.Commit(&Mutation{Config: &cfg})
}

// Config returns the current protocol configuration.
func (e *Engine) Config() (ProtocolConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadConfig()
}

func (e *Engine) loadConfig() (ProtocolConfig, error) {
	cfg, exists, err := e.state.Config()
	if err != nil {
		return ProtocolConfig{}, err
	}
	if !exists {
		return ProtocolConfig{}, fmt.Errorf("ledger: protocol not initialized")
	}
	return cfg, nil
}

// Balance returns the ledger balance for an account.
func (e *Engine) Balance(addr Address) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Balance(addr)
}

// InitChannel creates the ring for a channel if it does not exist yet.
func (e *Engine) InitChannel(channel string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	normalized := NormalizeChannel(channel)
	if normalized == "" {
		return ErrChannelNotFound
	}
	_, exists, err := e.state.Channel(normalized)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	state := &ChannelState{Version: 1, Channel: normalized}
	if err := e.state.Commit(&Mutation{Channels: []*ChannelState{state}}); err != nil {
		return err
	}
	e.emitter.Emit(events.ChannelInitialized(normalized))
	return nil
}

// PublishRoot commits an epoch's merkle root into the channel ring,
// overwriting slot epoch mod RingSlots. Re-publishing an identical
// (epoch, root, totals) tuple is a no-op so a crashed publisher can safely
// re-submit; any other rewrite of a live slot is rejected.
func (e *Engine) PublishRoot(caller Address, channel string, epoch uint64, root [32]byte, totalClaimable uint64, claimCount uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.CanPublish(caller) {
		return ErrUnauthorized
	}
	if cfg.Paused {
		return ErrProtocolPaused
	}
	if epoch == 0 {
		return ErrInvalidEpoch
	}
	if uint32(claimCount) > MaxClaims {
		return ErrClaimCountTooLarge
	}

	state, exists, err := e.state.Channel(channel)
	if err != nil {
		return err
	}
	if !exists {
		return ErrChannelNotFound
	}

	slot := state.Slot(epoch)
	switch {
	case slot.Epoch == epoch:
		if slot.Root == root && slot.TotalClaimable == totalClaimable && slot.ClaimCount == claimCount {
			return nil
		}
		return ErrRootMismatch
	case slot.Epoch != 0 && epoch < slot.Epoch:
		return ErrEpochNotIncreasing
	}

	slot.Reset(epoch, root, totalClaimable, claimCount)
	if epoch > state.LatestEpoch {
		state.LatestEpoch = epoch
	}
	if err := e.state.Commit(&Mutation{Channels: []*ChannelState{state}}); err != nil {
		return err
	}
	e.emitter.Emit(events.RootPublished(state.Channel, epoch, root, totalClaimable, claimCount))
	return nil
}

// Claim verifies one entitlement against the committed root and, only when
// every guard passes, transfers the payout and marks the leaf claimed. The
// guards run strictly before any mutation: a failed claim leaves the ledger
// byte-identical to before the attempt.
func (e *Engine) Claim(req ClaimRequest) (*ClaimReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Paused {
		return nil, ErrProtocolPaused
	}

	state, exists, err := e.state.Channel(req.Channel)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrChannelNotFound
	}

	slot := state.Slot(req.Epoch)
	if slot.Epoch != req.Epoch {
		return nil, ErrEpochNotFound
	}

	// Cheap rejection first: the bitmap check precedes proof recomputation.
	if req.Index < MaxClaims && slot.TestBit(req.Index) {
		return nil, ErrAlreadyClaimed
	}
	if req.Index >= MaxClaims || req.Index >= uint32(slot.ClaimCount) {
		return nil, ErrInvalidIndex
	}
	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if len(req.Identity) > MaxIdentityBytes {
		return nil, ErrIdentityTooLong
	}
	if len(req.Proof) > merkle.MaxProofNodes {
		return nil, ErrInvalidProof
	}

	leaf := merkle.Leaf(req.Identity, req.Index, req.Amount)
	if !merkle.Verify(leaf, req.Proof, slot.Root) {
		return nil, ErrInvalidProof
	}

	treasury, err := e.state.Balance(cfg.Treasury)
	if err != nil {
		return nil, err
	}
	if treasury < req.Amount {
		return nil, ErrInsufficientTreasury
	}

	receipt := &ClaimReceipt{
		Channel:      state.Channel,
		Epoch:        req.Epoch,
		Index:        req.Index,
		Claimer:      req.Claimer,
		Amount:       req.Amount,
		FeeRecipient: cfg.CreatorPool,
	}

	// Creator fee: scaled by the externally attested reputation tier. A
	// missing tier or tier 0 disables the fee; a treasury that cannot cover
	// the payout plus the fee skips the fee rather than failing the claim.
	if e.tiers != nil {
		if tier, ok := e.tiers.TierOf(req.Identity); ok && tier > 0 {
			receipt.Tier = tier
			fee, err := fees.Compute(req.Amount, cfg.FeeBasisPoints, tier, cfg.TierMultipliers)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
			}
			if fee > 0 && cfg.CreatorPool != (Address{}) && treasury-req.Amount >= fee {
				receipt.Fee = fee
				receipt.FeeRouted = true
			}
		}
	}

	balances := map[Address]uint64{
		cfg.Treasury: treasury - req.Amount - receipt.Fee,
	}
	claimerBalance, err := e.state.Balance(req.Claimer)
	if err != nil {
		return nil, err
	}
	balances[req.Claimer] = saturatingAdd(claimerBalance, req.Amount)
	if receipt.FeeRouted {
		poolBalance, err := e.state.Balance(cfg.CreatorPool)
		if err != nil {
			return nil, err
		}
		balances[cfg.CreatorPool] = saturatingAdd(poolBalance, receipt.Fee)
	}

	slot.SetBit(req.Index)
	slot.ClaimedAmount = saturatingAdd(slot.ClaimedAmount, req.Amount)

	if err := e.state.Commit(&Mutation{Channels: []*ChannelState{state}, Balances: balances}); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.ClaimPaid(state.Channel, req.Epoch, req.Index, req.Claimer, req.Amount, receipt.Fee))
	return receipt, nil
}

// Pause engages the global circuit breaker. Admin only.
func (e *Engine) Pause(caller Address) error {
	return e.updateConfig(caller, func(cfg *ProtocolConfig) error {
		cfg.Paused = true
		return nil
	})
}

// Unpause releases the global circuit breaker. Admin only.
func (e *Engine) Unpause(caller Address) error {
	return e.updateConfig(caller, func(cfg *ProtocolConfig) error {
		cfg.Paused = false
		return nil
	})
}

// SetPublisher allowlists a publisher identity alongside the admin. Admin only.
func (e *Engine) SetPublisher(caller Address, publisher Address) error {
	return e.updateConfig(caller, func(cfg *ProtocolConfig) error {
		cfg.Publisher = publisher
		return nil
	})
}

// SetFeeConfig updates the creator fee basis points and tier table. Admin only.
func (e *Engine) SetFeeConfig(caller Address, basisPoints uint16, multipliers [fees.TierCount]uint32) error {
	return e.updateConfig(caller, func(cfg *ProtocolConfig) error {
		if basisPoints > fees.MaxCreatorFeeBps {
			return fees.ErrFeeBpsTooHigh
		}
		if err := fees.ValidateMultipliers(multipliers); err != nil {
			return err
		}
		cfg.FeeBasisPoints = basisPoints
		cfg.TierMultipliers = multipliers
		return nil
	})
}

// Mint credits an account, funding the treasury for payouts. Admin only.
func (e *Engine) Mint(caller Address, to Address, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	balance, err := e.state.Balance(to)
	if err != nil {
		return err
	}
	if balance > math.MaxUint64-amount {
		return ErrInvalidAmount
	}
	return e.state.Commit(&Mutation{Balances: map[Address]uint64{to: balance + amount}})
}

func (e *Engine) updateConfig(caller Address, mutate func(*ProtocolConfig) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if !cfg.IsAdmin(caller) {
		return ErrUnauthorized
	}
	if err := mutate(&cfg); err != nil {
		return err
	}
	return e.state.Commit(&Mutation{Config: &cfg})
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
