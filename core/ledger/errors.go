package ledger

import "errors"

var (
	// ErrUnauthorized is returned when the caller lacks the admin or
	// publisher role required by the operation.
	ErrUnauthorized = errors.New("ledger: unauthorized")
	// ErrProtocolPaused is returned while the global circuit breaker is engaged.
	ErrProtocolPaused = errors.New("ledger: protocol paused")
	// ErrChannelNotFound is returned when no ring exists for the channel.
	ErrChannelNotFound = errors.New("ledger: channel not initialized")
	// ErrEpochNotFound is returned when a claim references an epoch whose ring
	// slot holds a different epoch id. It covers both "never published" and
	// "evicted by ring rotation".
	ErrEpochNotFound = errors.New("ledger: epoch not found in ring")
	// ErrInvalidEpoch rejects publishes for epoch zero.
	ErrInvalidEpoch = errors.New("ledger: invalid epoch")
	// ErrEpochNotIncreasing rejects a publish that would roll a slot backwards.
	ErrEpochNotIncreasing = errors.New("ledger: epoch must increase for slot")
	// ErrRootMismatch rejects a re-publish of an existing epoch with a
	// different root or totals.
	ErrRootMismatch = errors.New("ledger: epoch already published with different commitment")
	// ErrInvalidIndex is returned when a leaf index is outside the declared bound.
	ErrInvalidIndex = errors.New("ledger: invalid leaf index")
	// ErrAlreadyClaimed is returned when the claim bitmap bit is already set.
	ErrAlreadyClaimed = errors.New("ledger: already claimed")
	// ErrInvalidProof is returned when the recomputed hash chain does not
	// reach the committed root, or the proof is malformed.
	ErrInvalidProof = errors.New("ledger: invalid merkle proof")
	// ErrInvalidAmount rejects zero amounts and overflowing fee math.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrIdentityTooLong rejects oversized participant identities.
	ErrIdentityTooLong = errors.New("ledger: identity exceeds maximum length")
	// ErrInsufficientTreasury is returned when the treasury cannot cover the payout.
	ErrInsufficientTreasury = errors.New("ledger: insufficient treasury balance")
	// ErrClaimCountTooLarge rejects publishes declaring more leaves than the
	// bitmap can track.
	ErrClaimCountTooLarge = errors.New("ledger: claim count exceeds bitmap capacity")
)
