package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"epochpay/storage"
)

// Storage keys. Channel rings live under a keccak-derived key so arbitrary
// channel names map onto fixed-size storage locations. The domain prefix and
// lowercasing are part of the key derivation contract and must not change.
const (
	channelKeyPrefix = "epochpay/channel/"
	balanceKeyPrefix = "epochpay/balance/"
	configKey        = "epochpay/config"
)

// NormalizeChannel canonicalises channel names for key derivation and lookups.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

// ChannelKey derives the storage key for a channel's ring state.
func ChannelKey(channel string) []byte {
	return crypto.Keccak256([]byte(channelKeyPrefix), []byte(NormalizeChannel(channel)))
}

func balanceKey(addr Address) []byte {
	key := make([]byte, 0, len(balanceKeyPrefix)+len(addr))
	key = append(key, balanceKeyPrefix...)
	return append(key, addr[:]...)
}

// Mutation is one atomic state transition: every channel, balance, and config
// write it carries lands in a single batch or not at all.
type Mutation struct {
	Channels []*ChannelState
	Balances map[Address]uint64
	Config   *ProtocolConfig
}

// State is the persistence surface the engine mutates. Reads are point
// lookups; writes go through Commit so a claim either fully settles or leaves
// the ledger untouched.
type State interface {
	Channel(channel string) (*ChannelState, bool, error)
	Balance(addr Address) (uint64, error)
	Config() (ProtocolConfig, bool, error)
	Commit(m *Mutation) error
}

// KVState stores ledger state in a key-value database using RLP encoding for
// structured values and big-endian u64 for balances.
type KVState struct {
	db storage.Database
}

// NewKVState wraps a key-value database in the ledger state interface.
func NewKVState(db storage.Database) *KVState {
	return &KVState{db: db}
}

// Channel loads a channel ring, reporting whether it exists.
func (s *KVState) Channel(channel string) (*ChannelState, bool, error) {
	raw, err := s.db.Get(ChannelKey(channel))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ledger: load channel %q: %w", channel, err)
	}
	state := new(ChannelState)
	if err := rlp.DecodeBytes(raw, state); err != nil {
		return nil, false, fmt.Errorf("ledger: decode channel %q: %w", channel, err)
	}
	return state, true, nil
}

// Balance returns the account balance, zero when the account is unknown.
func (s *KVState) Balance(addr Address) (uint64, error) {
	raw, err := s.db.Get(balanceKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: load balance: %w", err)
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("ledger: malformed balance record (%d bytes)", len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Config loads the protocol singleton, reporting whether it has been initialized.
func (s *KVState) Config() (ProtocolConfig, bool, error) {
	raw, err := s.db.Get([]byte(configKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return ProtocolConfig{}, false, nil
	}
	if err != nil {
		return ProtocolConfig{}, false, fmt.Errorf("ledger: load config: %w", err)
	}
	var cfg ProtocolConfig
	if err := rlp.DecodeBytes(raw, &cfg); err != nil {
		return ProtocolConfig{}, false, fmt.Errorf("ledger: decode config: %w", err)
	}
	return cfg, true, nil
}

// Commit applies a mutation as one atomic batch write.
func (s *KVState) Commit(m *Mutation) error {
	if m == nil {
		return nil
	}
	batch := s.db.NewBatch()
	for _, channel := range m.Channels {
		raw, err := rlp.EncodeToBytes(channel)
		if err != nil {
			return fmt.Errorf("ledger: encode channel %q: %w", channel.Channel, err)
		}
		batch.Put(ChannelKey(channel.Channel), raw)
	}
	for addr, amount := range m.Balances {
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], amount)
		batch.Put(balanceKey(addr), raw[:])
	}
	if m.Config != nil {
		raw, err := rlp.EncodeToBytes(m.Config)
		if err != nil {
			return fmt.Errorf("ledger: encode config: %w", err)
		}
		batch.Put([]byte(configKey), raw)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch)
}
