package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"epochpay/core/ledger"
)

// fakeLedger records publishes and can be made to fail.
type fakeLedger struct {
	mu        sync.Mutex
	failWith  error
	published map[string][]uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{published: make(map[string][]uint64)}
}

func (f *fakeLedger) InitChannel(string) error { return nil }

func (f *fakeLedger) PublishRoot(_ ledger.Address, channel string, epoch uint64, _ [32]byte, _ uint64, _ uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.published[channel] = append(f.published[channel], epoch)
	return nil
}

func (f *fakeLedger) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func (f *fakeLedger) epochs(channel string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.published[channel]...)
}

func publisherFixture(t *testing.T) (*Store, *fakeLedger, *Publisher, *time.Time) {
	t.Helper()
	store := testStore(t)
	target := newFakeLedger()
	cfg := PublisherConfig{
		Caller:         ledger.Address{0xaa},
		PollInterval:   time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
		MaxAttempts:    3,
		BatchLimit:     16,
	}
	pub := NewPublisher(store, target, cfg, slog.Default())
	now := time.Unix(1_700_000_000, 0).UTC()
	pub.SetNowFunc(func() time.Time { return now })
	return store, target, pub, &now
}

func sealFixture(t *testing.T, store *Store, channel string, epoch uint64) {
	t.Helper()
	sealer := testSealer(t, store)
	record(t, store, channel, epoch, "alice", 1)
	record(t, store, channel, epoch, "bob", 2)
	if _, err := sealer.Seal(context.Background(), channel, epoch); err != nil {
		t.Fatalf("seal fixture: %v", err)
	}
}

func TestSyncPublishesAndMarks(t *testing.T) {
	store, target, pub, _ := publisherFixture(t)
	ctx := context.Background()
	sealFixture(t, store, "streamerone", 1)

	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := target.epochs("streamerone"); len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected publishes: %v", got)
	}

	pending, err := store.UnpublishedSeals(ctx, 0)
	if err != nil {
		t.Fatalf("unpublished: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("seal not marked published: %+v", pending)
	}

	// Nothing left to do on the next poll.
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := target.epochs("streamerone"); len(got) != 1 {
		t.Fatalf("already-published seal re-submitted: %v", got)
	}
}

func TestSyncBacksOffOnFailure(t *testing.T) {
	store, target, pub, now := publisherFixture(t)
	ctx := context.Background()
	sealFixture(t, store, "streamerone", 1)

	target.setFailure(errors.New("upstream down"))
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Still inside the backoff window: the channel is skipped.
	target.setFailure(nil)
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := target.epochs("streamerone"); len(got) != 0 {
		t.Fatalf("publish attempted during backoff: %v", got)
	}

	// Past the retry deadline it succeeds.
	*now = now.Add(2 * time.Second)
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := target.epochs("streamerone"); len(got) != 1 {
		t.Fatalf("publish not retried after backoff: %v", got)
	}
}

func TestSyncAbandonsAfterMaxAttempts(t *testing.T) {
	store, target, pub, now := publisherFixture(t)
	ctx := context.Background()
	sealFixture(t, store, "streamerone", 1)

	target.setFailure(errors.New("persistent failure"))
	for i := 0; i < 5; i++ {
		if err := pub.Sync(ctx); err != nil {
			t.Fatalf("sync %d: %v", i, err)
		}
		*now = now.Add(time.Minute)
	}
	if !pub.Abandoned("streamerone") {
		t.Fatal("channel not abandoned after exhausting retries")
	}

	// Once abandoned, the channel stays parked even if the upstream recovers.
	target.setFailure(nil)
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := target.epochs("streamerone"); len(got) != 0 {
		t.Fatalf("abandoned channel was retried: %v", got)
	}
}

func TestSyncFailureIsolatedPerChannel(t *testing.T) {
	store, target, pub, _ := publisherFixture(t)
	ctx := context.Background()
	sealFixture(t, store, "alpha", 1)
	sealFixture(t, store, "beta", 1)

	// Fail only once, then recover: alpha (processed first) eats the failure
	// and backs off, beta still publishes in the same pass on a later poll.
	target.setFailure(errors.New("blip"))
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	abandonedBoth := pub.Abandoned("alpha") && pub.Abandoned("beta")
	if abandonedBoth {
		t.Fatal("one failing pass abandoned both channels")
	}
}

func TestCrashBetweenPublishAndMarkIsRepublishedSafely(t *testing.T) {
	store, target, pub, _ := publisherFixture(t)
	ctx := context.Background()
	sealFixture(t, store, "streamerone", 1)

	// First pass publishes and marks.
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Simulate the crash window: the ledger write landed but the seal was
	// never marked. Re-submission must be tolerated by the ledger side.
	if err := store.DB().Model(&Seal{}).Where("channel = ?", "streamerone").
		Update("published", false).Error; err != nil {
		t.Fatalf("rewind seal: %v", err)
	}
	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	if got := target.epochs("streamerone"); len(got) != 2 {
		t.Fatalf("expected idempotent re-submission, got %v", got)
	}
}

func TestSyncRejectsOversizedSeal(t *testing.T) {
	store, target, pub, _ := publisherFixture(t)
	ctx := context.Background()

	// A seal this large can only appear through store corruption or an older
	// writer; the submit path must refuse it rather than wrap the claim count.
	oversized := Seal{
		Epoch:          1,
		Channel:        "streamerone",
		RootHex:        "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff",
		TotalClaimable: 1,
		ClaimCount:     ledger.MaxClaims + 1,
		SealedAt:       time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := store.DB().Create(&oversized).Error; err != nil {
		t.Fatalf("insert oversized seal: %v", err)
	}

	if err := pub.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := target.epochs("streamerone"); len(got) != 0 {
		t.Fatalf("oversized seal must not publish: %v", got)
	}
	pending, err := store.UnpublishedSeals(ctx, 0)
	if err != nil {
		t.Fatalf("unpublished: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("oversized seal must stay unpublished, got %+v", pending)
	}
}
