package aggregator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"epochpay/core/events"
	"epochpay/core/ledger"
	"epochpay/core/merkle"
	"epochpay/observability/metrics"
)

var (
	// ErrEpochEmpty is returned when sealing a window with no participants; no
	// root is emitted for an empty epoch.
	ErrEpochEmpty = errors.New("aggregator: epoch has no participants")
	// ErrEpochOverCapacity is returned when a window holds more participants
	// than one ledger slot can settle. The window must be rejected at seal
	// time; a larger seal could never publish.
	ErrEpochOverCapacity = errors.New("aggregator: epoch exceeds ledger claim capacity")
)

// WeightStrategy turns an accumulated participation signal into a payable
// amount. The mapping is domain-specific and pluggable; the sealer only
// requires it to be deterministic.
type WeightStrategy interface {
	Amount(signalWeight uint64) uint64
}

// LinearWeight pays a fixed emission per signal unit, saturating at the
// maximum representable amount.
type LinearWeight struct {
	UnitEmission uint64
}

// Amount implements WeightStrategy.
func (w LinearWeight) Amount(signalWeight uint64) uint64 {
	if w.UnitEmission == 0 || signalWeight == 0 {
		return 0
	}
	if signalWeight > math.MaxUint64/w.UnitEmission {
		return math.MaxUint64
	}
	return signalWeight * w.UnitEmission
}

// Sealer freezes closed epoch windows into immutable allocation snapshots.
type Sealer struct {
	store   *Store
	weight  WeightStrategy
	logger  *slog.Logger
	emitter events.Emitter
	nowFn   func() time.Time
}

// NewSealer constructs a sealer over the store with the given weight strategy.
func NewSealer(store *Store, weight WeightStrategy, logger *slog.Logger) *Sealer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sealer{store: store, weight: weight, logger: logger, emitter: events.NoopEmitter{}, nowFn: time.Now}
}

// SetEmitter configures the event emitter used for seal notices.
func (s *Sealer) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	s.emitter = emitter
}

// SetNowFunc overrides the time source for deterministic testing.
func (s *Sealer) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

// Seal freezes the participation set of a closed (channel, epoch) window into
// a sealed allocation set plus its merkle commitment. Sealing is idempotent
// and transactional: re-running on a sealed epoch returns the existing seal
// without touching any rows, and concurrent sealers for the same key serialize
// on the seal table's uniqueness constraint, the loser no-oping.
func (s *Sealer) Seal(ctx context.Context, channel string, epoch uint64) (*Seal, error) {
	channel = normalizeChannel(channel)
	var sealed *Seal
	created := false
	err := s.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Seal
		err := tx.Where("channel = ? AND epoch = ?", channel, epoch).First(&existing).Error
		if err == nil {
			sealed = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var participants []Participation
		if err := tx.Where("channel = ? AND epoch = ?", channel, epoch).
			Order("identity_hash ASC").
			Find(&participants).Error; err != nil {
			return err
		}
		if len(participants) == 0 {
			return ErrEpochEmpty
		}
		if len(participants) > ledger.MaxClaims {
			return ErrEpochOverCapacity
		}

		leaves := make([][32]byte, 0, len(participants))
		amounts := make([]uint64, 0, len(participants))
		total := uint64(0)
		for i, p := range participants {
			amount := s.weight.Amount(p.SignalWeight)
			amounts = append(amounts, amount)
			leaves = append(leaves, merkle.Leaf(p.IdentityHash, uint32(i), amount))
			total = saturatingAdd(total, amount)
		}

		tree, err := merkle.Build(leaves)
		if err != nil {
			return err
		}
		root := tree.Root()

		now := s.nowFn()
		for i, p := range participants {
			proof, err := tree.Proof(i)
			if err != nil {
				return err
			}
			proofJSON, err := encodeProof(proof)
			if err != nil {
				return err
			}
			allocation := Allocation{
				Epoch:     epoch,
				Channel:   channel,
				Identity:  p.IdentityHash,
				LeafIndex: uint32(i),
				Amount:    amounts[i],
				ProofJSON: proofJSON,
				CreatedAt: now,
			}
			// Upsert keyed on (epoch, channel, identity) so rebuilding an
			// epoch's tree never duplicates rows.
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "epoch"}, {Name: "channel"}, {Name: "identity"}},
				UpdateAll: true,
			}).Create(&allocation).Error; err != nil {
				return err
			}
		}

		seal := Seal{
			Epoch:          epoch,
			Channel:        channel,
			RootHex:        hex.EncodeToString(root[:]),
			TotalClaimable: total,
			ClaimCount:     uint32(len(participants)),
			SealedAt:       now,
		}
		if err := tx.Create(&seal).Error; err != nil {
			return err
		}
		sealed = &seal
		created = true
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent sealer won the race; return its result.
			return s.store.SealFor(ctx, channel, epoch)
		}
		return nil, err
	}
	if created {
		if root, err := sealed.Root(); err == nil {
			s.emitter.Emit(events.EpochSealed(channel, epoch, root, int(sealed.ClaimCount)))
		}
		metrics.Ledger().ObserveSeal()
		s.logger.Info("epoch sealed",
			"channel", channel,
			"epoch", epoch,
			"participants", sealed.ClaimCount,
			"total", sealed.TotalClaimable,
			"root", sealed.RootHex,
		)
	}
	return sealed, nil
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func encodeProof(proof [][32]byte) (string, error) {
	hexes := make([]string, 0, len(proof))
	for _, node := range proof {
		hexes = append(hexes, hex.EncodeToString(node[:]))
	}
	raw, err := json.Marshal(hexes)
	if err != nil {
		return "", fmt.Errorf("aggregator: encode proof: %w", err)
	}
	return string(raw), nil
}

// DecodeProof parses a stored proof back into its sibling hash list.
func DecodeProof(proofJSON string) ([][32]byte, error) {
	var hexes []string
	if err := json.Unmarshal([]byte(proofJSON), &hexes); err != nil {
		return nil, fmt.Errorf("aggregator: decode proof: %w", err)
	}
	proof := make([][32]byte, 0, len(hexes))
	for _, h := range hexes {
		raw, err := hex.DecodeString(h)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("aggregator: malformed proof node %q", h)
		}
		var node [32]byte
		copy(node[:], raw)
		proof = append(proof, node)
	}
	return proof, nil
}
