// Package aggregator is the off-chain side of the distribution ledger: it
// records raw participation, seals closed epochs into immutable allocation
// snapshots with merkle proofs, and pushes the resulting commitments to the
// settlement core through a single-writer publisher.
package aggregator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrAllocationNotFound is returned by proof lookups for unknown participants.
	ErrAllocationNotFound = errors.New("aggregator: allocation not found")
	// ErrSealNotFound is returned when an epoch has not been sealed yet.
	ErrSealNotFound = errors.New("aggregator: seal not found")
)

// Participation is one observed (epoch, channel, participant) signal. Ingestion
// workers write these concurrently; the composite unique index gives
// insert-if-absent semantics so duplicate delivery is harmless.
type Participation struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Epoch        uint64 `gorm:"uniqueIndex:idx_participation_key;index:idx_participation_window"`
	Channel      string `gorm:"size:64;uniqueIndex:idx_participation_key;index:idx_participation_window"`
	IdentityHash string `gorm:"size:64;uniqueIndex:idx_participation_key"`
	SignalWeight uint64
	CreatedAt    time.Time
}

// Allocation is one participant's sealed entitlement: leaf index, amount, and
// the ordered sibling path to the epoch root. Rows are immutable once sealed
// and survive indefinitely, preserving auditability after ring eviction.
type Allocation struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Epoch     uint64 `gorm:"uniqueIndex:idx_allocation_key;index:idx_allocation_epoch"`
	Channel   string `gorm:"size:64;uniqueIndex:idx_allocation_key;index:idx_allocation_epoch"`
	Identity  string `gorm:"size:64;uniqueIndex:idx_allocation_key"`
	LeafIndex uint32
	Amount    uint64
	ProofJSON string `gorm:"type:text"`
	CreatedAt time.Time
}

// Seal is the frozen summary of one (channel, epoch) snapshot. The unique
// index doubles as the serialization point for concurrent sealers.
type Seal struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	Epoch          uint64 `gorm:"uniqueIndex:idx_seal_key"`
	Channel        string `gorm:"size:64;uniqueIndex:idx_seal_key"`
	RootHex        string `gorm:"size:64"`
	TotalClaimable uint64
	ClaimCount     uint32
	Published      bool `gorm:"index"`
	SealedAt       time.Time
	PublishedAt    *time.Time
}

// Root decodes the sealed merkle root.
func (s *Seal) Root() ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s.RootHex)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("aggregator: malformed seal root %q", s.RootHex)
	}
	copy(out[:], raw)
	return out, nil
}

// Store persists the participation log, sealed allocations, and seal records.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the aggregator database at path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// Unique-constraint violations must map to gorm.ErrDuplicatedKey.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregator: open store: %w", err)
	}
	if err := db.AutoMigrate(&Participation{}, &Allocation{}, &Seal{}); err != nil {
		return nil, fmt.Errorf("aggregator: migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for transactional composition.
func (s *Store) DB() *gorm.DB { return s.db }

// RecordParticipation inserts a participation signal if it is not already
// present. Duplicate delivery from racing ingestion workers is expected and
// resolves to a silent no-op.
func (s *Store) RecordParticipation(ctx context.Context, rec Participation) error {
	rec.Channel = normalizeChannel(rec.Channel)
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	return result.Error
}

// Participants returns the deduplicated participation set for a closed window,
// ordered by identity hash for deterministic leaf assignment.
func (s *Store) Participants(ctx context.Context, channel string, epoch uint64) ([]Participation, error) {
	var rows []Participation
	err := s.db.WithContext(ctx).
		Where("channel = ? AND epoch = ?", normalizeChannel(channel), epoch).
		Order("identity_hash ASC").
		Find(&rows).Error
	return rows, err
}

// Channels lists every channel with recorded participation for an epoch.
func (s *Store) Channels(ctx context.Context, epoch uint64) ([]string, error) {
	var channels []string
	err := s.db.WithContext(ctx).
		Model(&Participation{}).
		Where("epoch = ?", epoch).
		Distinct("channel").
		Order("channel ASC").
		Pluck("channel", &channels).Error
	return channels, err
}

// AllocationProof returns the proof-lookup record for one participant.
func (s *Store) AllocationProof(ctx context.Context, channel string, epoch uint64, identity string) (*Allocation, error) {
	var row Allocation
	err := s.db.WithContext(ctx).
		Where("channel = ? AND epoch = ? AND identity = ?", normalizeChannel(channel), epoch, identity).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAllocationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Allocations returns every sealed allocation for an epoch in leaf order.
func (s *Store) Allocations(ctx context.Context, channel string, epoch uint64) ([]Allocation, error) {
	var rows []Allocation
	err := s.db.WithContext(ctx).
		Where("channel = ? AND epoch = ?", normalizeChannel(channel), epoch).
		Order("leaf_index ASC").
		Find(&rows).Error
	return rows, err
}

// SealFor returns the seal record for a (channel, epoch), if any.
func (s *Store) SealFor(ctx context.Context, channel string, epoch uint64) (*Seal, error) {
	var row Seal
	err := s.db.WithContext(ctx).
		Where("channel = ? AND epoch = ?", normalizeChannel(channel), epoch).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSealNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// UnpublishedSeals lists sealed-but-unpublished epochs, oldest first.
func (s *Store) UnpublishedSeals(ctx context.Context, limit int) ([]Seal, error) {
	var rows []Seal
	query := s.db.WithContext(ctx).
		Where("published = ?", false).
		Order("epoch ASC, channel ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	return rows, err
}

// MarkPublished records that a seal's commitment landed on the ledger.
func (s *Store) MarkPublished(ctx context.Context, sealID uint64, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&Seal{}).
		Where("id = ?", sealID).
		Updates(map[string]any{"published": true, "published_at": at}).Error
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
