package ledger

// The channel ring keeps only the most recent RingSlots epoch commitments per
// channel. Publishing epoch E overwrites slot E mod RingSlots, clearing its
// bitmap and counters; claims against the evicted epoch then fail with
// ErrEpochNotFound because the stored epoch id no longer matches.

const (
	// RingSlots is the fixed number of epoch commitments retained per channel.
	RingSlots = 10
	// MaxClaims is the maximum number of leaves a single epoch commitment may
	// declare; it bounds the claim bitmap.
	MaxClaims = 1024
	// BitmapBytes is the byte size of a slot's claim bitmap.
	BitmapBytes = (MaxClaims + 7) / 8
	// MaxIdentityBytes bounds the participant identity carried in a claim.
	MaxIdentityBytes = 64
)

// EpochSlot is one ring position: a published commitment plus its claim state.
type EpochSlot struct {
	Epoch          uint64
	Root           [32]byte
	ClaimCount     uint16
	TotalClaimable uint64
	ClaimedAmount  uint64
	Bitmap         [BitmapBytes]byte
}

// Reset re-arms the slot for a freshly published epoch, clearing the bitmap
// and counters left behind by the evicted one.
func (s *EpochSlot) Reset(epoch uint64, root [32]byte, totalClaimable uint64, claimCount uint16) {
	s.Epoch = epoch
	s.Root = root
	s.ClaimCount = claimCount
	s.TotalClaimable = totalClaimable
	s.ClaimedAmount = 0
	s.Bitmap = [BitmapBytes]byte{}
}

// TestBit reports whether leaf index has already been claimed.
// The index must be below MaxClaims.
func (s *EpochSlot) TestBit(index uint32) bool {
	return s.Bitmap[index/8]&(1<<(index%8)) != 0
}

// SetBit marks leaf index as claimed. The index must be below MaxClaims.
func (s *EpochSlot) SetBit(index uint32) {
	s.Bitmap[index/8] |= 1 << (index % 8)
}

// ChannelState is the per-channel ring of recent epoch commitments.
type ChannelState struct {
	Version     uint8
	Channel     string
	LatestEpoch uint64
	Slots       [RingSlots]EpochSlot
}

// SlotIndex maps an epoch onto its fixed ring position.
func SlotIndex(epoch uint64) int {
	return int(epoch % RingSlots)
}

// Slot returns the ring slot an epoch maps to. The stored Epoch field is the
// sole authority on whether the slot still holds that epoch.
func (c *ChannelState) Slot(epoch uint64) *EpochSlot {
	return &c.Slots[SlotIndex(epoch)]
}
