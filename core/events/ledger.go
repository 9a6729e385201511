package events

import (
	"encoding/hex"
	"fmt"
)

const (
	// TypeRootPublished is emitted when a new epoch commitment lands in a channel ring.
	TypeRootPublished = "ledger.root.published"
	// TypeClaimPaid is emitted after a verified claim has transferred its payout.
	TypeClaimPaid = "ledger.claim.paid"
	// TypeChannelInitialized is emitted when a channel ring is created.
	TypeChannelInitialized = "ledger.channel.initialized"
	// TypeEpochSealed is emitted by the aggregator once an epoch snapshot is frozen.
	TypeEpochSealed = "aggregator.epoch.sealed"
	// TypeChannelAbandoned is emitted when the publisher gives up on a channel
	// after exhausting its retry budget.
	TypeChannelAbandoned = "aggregator.channel.abandoned"
)

// RootPublished captures an accepted epoch commitment.
func RootPublished(channel string, epoch uint64, root [32]byte, totalClaimable uint64, claimCount uint16) *Event {
	return &Event{
		Type: TypeRootPublished,
		Attributes: map[string]string{
			"channel":        channel,
			"epoch":          fmt.Sprintf("%d", epoch),
			"root":           hex.EncodeToString(root[:]),
			"totalClaimable": fmt.Sprintf("%d", totalClaimable),
			"claimCount":     fmt.Sprintf("%d", claimCount),
		},
	}
}

// ClaimPaid captures a settled payout together with the routed creator fee.
func ClaimPaid(channel string, epoch uint64, index uint32, claimer [20]byte, amount, fee uint64) *Event {
	return &Event{
		Type: TypeClaimPaid,
		Attributes: map[string]string{
			"channel": channel,
			"epoch":   fmt.Sprintf("%d", epoch),
			"index":   fmt.Sprintf("%d", index),
			"claimer": hex.EncodeToString(claimer[:]),
			"amount":  fmt.Sprintf("%d", amount),
			"fee":     fmt.Sprintf("%d", fee),
		},
	}
}

// ChannelInitialized captures ring creation for a channel.
func ChannelInitialized(channel string) *Event {
	return &Event{
		Type:       TypeChannelInitialized,
		Attributes: map[string]string{"channel": channel},
	}
}

// EpochSealed captures a frozen allocation snapshot.
func EpochSealed(channel string, epoch uint64, root [32]byte, participants int) *Event {
	return &Event{
		Type: TypeEpochSealed,
		Attributes: map[string]string{
			"channel":      channel,
			"epoch":        fmt.Sprintf("%d", epoch),
			"root":         hex.EncodeToString(root[:]),
			"participants": fmt.Sprintf("%d", participants),
		},
	}
}

// ChannelAbandoned captures a publisher unit of work that exhausted its retries.
func ChannelAbandoned(channel string, attempts int) *Event {
	return &Event{
		Type: TypeChannelAbandoned,
		Attributes: map[string]string{
			"channel":  channel,
			"attempts": fmt.Sprintf("%d", attempts),
		},
	}
}
