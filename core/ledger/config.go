package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"epochpay/native/fees"
)

// Address identifies an account on the settlement ledger.
type Address = [20]byte

// ProtocolConfig is the global admin/publisher singleton. It is loaded once at
// engine construction and every mutation goes through an explicit role check,
// never ambient state.
type ProtocolConfig struct {
	Admin           Address
	Publisher       Address
	Treasury        Address
	CreatorPool     Address
	Paused          bool
	FeeBasisPoints  uint16
	TierMultipliers [fees.TierCount]uint32
}

// DefaultProtocolConfig returns a config with the protocol fee defaults.
func DefaultProtocolConfig(admin, treasury, creatorPool Address) ProtocolConfig {
	return ProtocolConfig{
		Admin:           admin,
		Treasury:        treasury,
		CreatorPool:     creatorPool,
		FeeBasisPoints:  fees.DefaultCreatorFeeBps,
		TierMultipliers: fees.DefaultTierMultipliers,
	}
}

// Validate ensures the configuration values fall within acceptable bounds.
func (c ProtocolConfig) Validate() error {
	if c.Admin == (Address{}) {
		return errors.New("ledger: admin address must be configured")
	}
	if c.Treasury == (Address{}) {
		return errors.New("ledger: treasury address must be configured")
	}
	if c.FeeBasisPoints > fees.MaxCreatorFeeBps {
		return fees.ErrFeeBpsTooHigh
	}
	return fees.ValidateMultipliers(c.TierMultipliers)
}

// IsAdmin reports whether the caller holds the admin role.
func (c ProtocolConfig) IsAdmin(caller Address) bool {
	return caller == c.Admin
}

// CanPublish reports whether the caller may commit epoch roots. The admin may
// always publish; a separately allowlisted publisher may publish when set.
func (c ProtocolConfig) CanPublish(caller Address) bool {
	if caller == c.Admin {
		return true
	}
	return c.Publisher != (Address{}) && caller == c.Publisher
}

// ParseAddress decodes a 20-byte hex address, with or without a 0x prefix.
func ParseAddress(s string) (Address, error) {
	var out Address
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("ledger: parse address: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("ledger: address must be %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
