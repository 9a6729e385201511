package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"epochpay/core/merkle"
	"epochpay/native/fees"
	"epochpay/storage"
)

var (
	adminAddr    = Address{0xad}
	treasuryAddr = Address{0x77}
	poolAddr     = Address{0xc0}
	claimerAddr  = Address{0x05}
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	engine := NewEngine(NewKVState(storage.NewMemDB()))
	if err := engine.Initialize(DefaultProtocolConfig(adminAddr, treasuryAddr, poolAddr)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.Mint(adminAddr, treasuryAddr, 1_000_000_000); err != nil {
		t.Fatalf("fund treasury: %v", err)
	}
	if err := engine.InitChannel("streamerone"); err != nil {
		t.Fatalf("init channel: %v", err)
	}
	return engine
}

type sealedEpoch struct {
	root       [32]byte
	identities []string
	amounts    []uint64
	proofs     [][][32]byte
}

func sealEpoch(t *testing.T, amounts []uint64) sealedEpoch {
	t.Helper()
	out := sealedEpoch{amounts: amounts}
	leaves := make([][32]byte, 0, len(amounts))
	for i, amount := range amounts {
		identity := fmt.Sprintf("viewer-%d", i)
		out.identities = append(out.identities, identity)
		leaves = append(leaves, merkle.Leaf(identity, uint32(i), amount))
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	out.root = tree.Root()
	for i := range leaves {
		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		out.proofs = append(out.proofs, proof)
	}
	return out
}

func publish(t *testing.T, engine *Engine, epoch uint64, sealed sealedEpoch) {
	t.Helper()
	total := uint64(0)
	for _, amount := range sealed.amounts {
		total += amount
	}
	if err := engine.PublishRoot(adminAddr, "streamerone", epoch, sealed.root, total, uint16(len(sealed.amounts))); err != nil {
		t.Fatalf("publish epoch %d: %v", epoch, err)
	}
}

func claimReq(sealed sealedEpoch, epoch uint64, index int) ClaimRequest {
	return ClaimRequest{
		Claimer:  claimerAddr,
		Channel:  "streamerone",
		Epoch:    epoch,
		Index:    uint32(index),
		Amount:   sealed.amounts[index],
		Identity: sealed.identities[index],
		Proof:    sealed.proofs[index],
	}
}

func TestClaimHappyPath(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10, 20, 30})
	publish(t, engine, 1, sealed)

	receipt, err := engine.Claim(claimReq(sealed, 1, 1))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if receipt.Amount != 20 || receipt.Fee != 0 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	balance, err := engine.Balance(claimerAddr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 20 {
		t.Fatalf("expected claimer balance 20, got %d", balance)
	}
}

func TestClaimTwiceFailsAlreadyClaimed(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10, 20, 30})
	publish(t, engine, 1, sealed)

	if _, err := engine.Claim(claimReq(sealed, 1, 1)); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := engine.Claim(claimReq(sealed, 1, 1)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	// Exactly one payout landed.
	balance, _ := engine.Balance(claimerAddr)
	if balance != 20 {
		t.Fatalf("expected balance 20 after duplicate claim, got %d", balance)
	}
}

func TestConcurrentClaimsPayExactlyOnce(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10, 20, 30})
	publish(t, engine, 1, sealed)

	const racers = 16
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Claim(claimReq(sealed, 1, 2))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, duplicated := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrAlreadyClaimed):
			duplicated++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if succeeded != 1 || duplicated != racers-1 {
		t.Fatalf("expected exactly one payout, got %d successes and %d duplicates", succeeded, duplicated)
	}
	balance, _ := engine.Balance(claimerAddr)
	if balance != 30 {
		t.Fatalf("expected balance 30, got %d", balance)
	}
}

func TestRingEvictionFailsEpochNotFound(t *testing.T) {
	engine := testEngine(t)
	first := sealEpoch(t, []uint64{10, 20, 30})
	publish(t, engine, 1, first)

	// Publishing RingSlots further epochs evicts epoch 1 from its slot.
	for epoch := uint64(2); epoch <= RingSlots+1; epoch++ {
		publish(t, engine, epoch, sealEpoch(t, []uint64{uint64(epoch), uint64(epoch * 2)}))
	}

	if _, err := engine.Claim(claimReq(first, 1, 0)); !errors.Is(err, ErrEpochNotFound) {
		t.Fatalf("expected ErrEpochNotFound after eviction, got %v", err)
	}
}

func TestClaimRejectsInvalidProof(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10, 20, 30})
	publish(t, engine, 1, sealed)

	req := claimReq(sealed, 1, 0)
	req.Amount = 999 // leaf preimage no longer matches the committed leaf
	if _, err := engine.Claim(req); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof, got %v", err)
	}

	// The failed attempt must leave the slot untouched.
	if _, err := engine.Claim(claimReq(sealed, 1, 0)); err != nil {
		t.Fatalf("claim after failed attempt: %v", err)
	}
}

func TestClaimRejectsOutOfBoundsIndex(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10, 20})
	publish(t, engine, 1, sealed)

	req := claimReq(sealed, 1, 0)
	req.Index = 2 // beyond declared claim count
	if _, err := engine.Claim(req); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
	req.Index = MaxClaims
	if _, err := engine.Claim(req); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex for out-of-bitmap index, got %v", err)
	}
}

func TestClaimUnpublishedEpoch(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10})
	if _, err := engine.Claim(claimReq(sealed, 4, 0)); !errors.Is(err, ErrEpochNotFound) {
		t.Fatalf("expected ErrEpochNotFound, got %v", err)
	}
}

func TestClaimWhilePaused(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10})
	publish(t, engine, 1, sealed)

	if err := engine.Pause(adminAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := engine.Claim(claimReq(sealed, 1, 0)); !errors.Is(err, ErrProtocolPaused) {
		t.Fatalf("expected ErrProtocolPaused, got %v", err)
	}
	if err := engine.Unpause(adminAddr); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := engine.Claim(claimReq(sealed, 1, 0)); err != nil {
		t.Fatalf("claim after unpause: %v", err)
	}
}

func TestPublishAuthorization(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10})

	outsider := Address{0x99}
	err := engine.PublishRoot(outsider, "streamerone", 1, sealed.root, 10, 1)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	if err := engine.SetPublisher(adminAddr, outsider); err != nil {
		t.Fatalf("set publisher: %v", err)
	}
	if err := engine.PublishRoot(outsider, "streamerone", 1, sealed.root, 10, 1); err != nil {
		t.Fatalf("allowlisted publisher rejected: %v", err)
	}
}

func TestRepublishIdenticalIsNoOp(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10, 20})
	publish(t, engine, 1, sealed)

	if _, err := engine.Claim(claimReq(sealed, 1, 0)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Crash-retry by the publisher: identical tuple must not reset the bitmap.
	publish(t, engine, 1, sealed)
	if _, err := engine.Claim(claimReq(sealed, 1, 0)); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("re-publish reset claim state: %v", err)
	}

	// A different commitment for a live epoch is rejected.
	other := sealEpoch(t, []uint64{77})
	err := engine.PublishRoot(adminAddr, "streamerone", 1, other.root, 77, 1)
	if !errors.Is(err, ErrRootMismatch) {
		t.Fatalf("expected ErrRootMismatch, got %v", err)
	}
}

func TestPublishEpochMustIncreasePerSlot(t *testing.T) {
	engine := testEngine(t)
	publish(t, engine, 11, sealEpoch(t, []uint64{10}))

	sealed := sealEpoch(t, []uint64{20})
	err := engine.PublishRoot(adminAddr, "streamerone", 1, sealed.root, 20, 1)
	if !errors.Is(err, ErrEpochNotIncreasing) {
		t.Fatalf("expected ErrEpochNotIncreasing, got %v", err)
	}
}

func TestClaimRoutesTierFee(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{100_000_000})
	publish(t, engine, 1, sealed)

	engine.SetTierSource(StaticTierSource{sealed.identities[0]: 5})

	receipt, err := engine.Claim(claimReq(sealed, 1, 0))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !receipt.FeeRouted || receipt.Fee != 100_000 {
		t.Fatalf("expected routed fee of 100000, got %+v", receipt)
	}
	poolBalance, _ := engine.Balance(poolAddr)
	if poolBalance != 100_000 {
		t.Fatalf("expected creator pool balance 100000, got %d", poolBalance)
	}
	claimerBalance, _ := engine.Balance(claimerAddr)
	if claimerBalance != 100_000_000 {
		t.Fatalf("payout must not be reduced by the fee, got %d", claimerBalance)
	}
}

func TestClaimSkipsFeeWhenTreasuryShort(t *testing.T) {
	engine := NewEngine(NewKVState(storage.NewMemDB()))
	if err := engine.Initialize(DefaultProtocolConfig(adminAddr, treasuryAddr, poolAddr)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.InitChannel("streamerone"); err != nil {
		t.Fatalf("init channel: %v", err)
	}

	sealed := sealEpoch(t, []uint64{100_000_000})
	publish(t, engine, 1, sealed)
	engine.SetTierSource(StaticTierSource{sealed.identities[0]: 5})

	// Treasury covers the payout but not the fee on top.
	if err := engine.Mint(adminAddr, treasuryAddr, 100_000_000); err != nil {
		t.Fatalf("mint: %v", err)
	}

	receipt, err := engine.Claim(claimReq(sealed, 1, 0))
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if receipt.FeeRouted || receipt.Fee != 0 {
		t.Fatalf("fee should be skipped, got %+v", receipt)
	}
}

func TestClaimInsufficientTreasury(t *testing.T) {
	engine := NewEngine(NewKVState(storage.NewMemDB()))
	if err := engine.Initialize(DefaultProtocolConfig(adminAddr, treasuryAddr, poolAddr)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.InitChannel("streamerone"); err != nil {
		t.Fatalf("init channel: %v", err)
	}
	sealed := sealEpoch(t, []uint64{50})
	publish(t, engine, 1, sealed)

	if _, err := engine.Claim(claimReq(sealed, 1, 0)); !errors.Is(err, ErrInsufficientTreasury) {
		t.Fatalf("expected ErrInsufficientTreasury, got %v", err)
	}
}

func TestAdminOnlyOperations(t *testing.T) {
	engine := testEngine(t)
	outsider := Address{0x99}

	if err := engine.Pause(outsider); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pause: expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Mint(outsider, claimerAddr, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("mint: expected ErrUnauthorized, got %v", err)
	}
	if err := engine.SetFeeConfig(outsider, 10, fees.DefaultTierMultipliers); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("set fee config: expected ErrUnauthorized, got %v", err)
	}
}

func TestInitChannelIdempotent(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10})
	publish(t, engine, 1, sealed)

	// Re-initializing must not clear the ring.
	if err := engine.InitChannel("StreamerOne"); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	if _, err := engine.Claim(claimReq(sealed, 1, 0)); err != nil {
		t.Fatalf("claim after re-init: %v", err)
	}
}

func TestPublishUnknownChannel(t *testing.T) {
	engine := testEngine(t)
	sealed := sealEpoch(t, []uint64{10})
	err := engine.PublishRoot(adminAddr, "never-initialized", 1, sealed.root, 10, 1)
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}
