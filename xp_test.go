package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

func newTestXP(t *testing.T) *XPSystem {
	t.Helper()
	x := NewXPSystem(&Config{
		XPGainAmount:   15,
		XPGainCooldown: time.Minute,
		XPDecayPercent: 2.0,
		XPDecayGrace:   7 * 24 * time.Hour,
	})
	x.persistBatch = func(ctx context.Context, records []XPRecord) error { return nil }
	return x
}

func testKey(user uint64) xpKey {
	return xpKey{GuildID: snowflake.ID(100), UserID: snowflake.ID(user)}
}

// seedMember installs a member with the given state, bypassing the pipeline.
func seedMember(x *XPSystem, k xpKey, xp int64, lastMessage, lastDecay time.Time) *XPMember {
	m := x.member(k)
	m.XP = xp
	m.Level = x.levelForXP(xp)
	m.LastMessageAt = lastMessage
	m.LastDecayAt = lastDecay
	return m
}

// ===========================
// Level Curve & Locks
// ===========================

func TestDefaultLevelCurve(t *testing.T) {
	t.Parallel()
	cases := []struct {
		xp   int64
		want int
	}{
		{0, 0}, {-5, 0}, {99, 0}, {100, 1}, {399, 1}, {400, 2}, {899, 2}, {900, 3}, {10000, 10},
	}
	for _, c := range cases {
		if got := defaultLevelCurve(c.xp); got != c.want {
			t.Errorf("defaultLevelCurve(%d) = %d, want %d", c.xp, got, c.want)
		}
	}
}

func TestAdvisoryLockMutualExclusion(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	if !x.tryLock(k) {
		t.Fatal("first tryLock must succeed")
	}
	if x.tryLock(k) {
		t.Fatal("second tryLock must fail while held")
	}
	x.unlock(k)
	if !x.tryLock(k) {
		t.Fatal("tryLock must succeed after unlock")
	}
	x.unlock(k)
}

func TestAdvisoryLockEvictedWhenUnreferenced(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	if !x.tryLock(k) {
		t.Fatal("tryLock failed")
	}
	x.unlock(k)

	x.mu.Lock()
	_, exists := x.locks[k]
	x.mu.Unlock()
	if exists {
		t.Fatal("lock entry must be evicted once unreferenced")
	}
}

func TestLockWaitHonorsContext(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	if !x.tryLock(k) {
		t.Fatal("tryLock failed")
	}
	defer x.unlock(k)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if x.lockWait(ctx, k) {
		t.Fatal("lockWait must give up when the context ends")
	}
}

// ===========================
// Gain Pipeline
// ===========================

func TestGainAppliesOncePerCooldown(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	x.HandleMessage(k.GuildID, k.UserID)
	x.HandleMessage(k.GuildID, k.UserID)
	if _, err := x.gainWorker(context.Background(), nil); err != nil {
		t.Fatalf("gainWorker: %v", err)
	}

	m := x.member(k)
	if m.XP != 15 {
		t.Fatalf("XP = %d, want a single gain of 15", m.XP)
	}
	if m.LastMessageAt.IsZero() {
		t.Fatal("LastMessageAt not recorded")
	}
}

func TestGainAfterCooldownAccumulates(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 15, time.Now().Add(-2*time.Minute), time.Time{})

	x.HandleMessage(k.GuildID, k.UserID)
	if _, err := x.gainWorker(context.Background(), nil); err != nil {
		t.Fatalf("gainWorker: %v", err)
	}

	if m := x.member(k); m.XP != 30 {
		t.Fatalf("XP = %d, want 30", m.XP)
	}
}

func TestGainRequeuedWhileLockedThenDropped(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	if !x.tryLock(k) {
		t.Fatal("tryLock failed")
	}
	defer x.unlock(k)

	x.HandleMessage(k.GuildID, k.UserID)

	for i := 0; i < xpGainMaxAttempts-1; i++ {
		if _, err := x.gainWorker(context.Background(), nil); err != nil {
			t.Fatalf("gainWorker: %v", err)
		}
		x.gainMu.Lock()
		pending := len(x.gainQueue)
		x.gainMu.Unlock()
		if pending != 1 {
			t.Fatalf("attempt %d: queue length = %d, want 1 (requeued)", i+1, pending)
		}
	}

	// Final contended attempt drops the event instead of requeueing forever.
	if _, err := x.gainWorker(context.Background(), nil); err != nil {
		t.Fatalf("gainWorker: %v", err)
	}
	x.gainMu.Lock()
	pending := len(x.gainQueue)
	x.gainMu.Unlock()
	if pending != 0 {
		t.Fatalf("queue length = %d, want 0 (dropped)", pending)
	}
	if m := x.member(k); m.XP != 0 {
		t.Fatalf("XP = %d, dropped event must not apply", m.XP)
	}
}

func TestGainFiresLevelUpCallback(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 95, time.Now().Add(-2*time.Minute), time.Time{})

	var mu sync.Mutex
	var gotLevel int
	done := make(chan struct{})
	x.OnLevelUp(func(key xpKey, level int) {
		mu.Lock()
		gotLevel = level
		mu.Unlock()
		close(done)
	})

	x.HandleMessage(k.GuildID, k.UserID)
	if _, err := x.gainWorker(context.Background(), nil); err != nil {
		t.Fatalf("gainWorker: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("level-up callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotLevel != 1 {
		t.Fatalf("level = %d, want 1", gotLevel)
	}
}

// ===========================
// Adjustments
// ===========================

func TestAdjustAppliesInSubmissionOrder(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	x.EnqueueSet(k.GuildID, k.UserID, 100)
	x.EnqueueAdd(k.GuildID, k.UserID, 50)
	x.EnqueueSet(k.GuildID, k.UserID, 20)
	x.EnqueueAdd(k.GuildID, k.UserID, -5)
	if _, err := x.adjustWorker(context.Background(), nil); err != nil {
		t.Fatalf("adjustWorker: %v", err)
	}

	if m := x.member(k); m.XP != 15 {
		t.Fatalf("XP = %d, want 15 after ordered set/add sequence", m.XP)
	}
}

func TestAdjustClampsAtZero(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	x.EnqueueSet(k.GuildID, k.UserID, 10)
	x.EnqueueAdd(k.GuildID, k.UserID, -100)
	if _, err := x.adjustWorker(context.Background(), nil); err != nil {
		t.Fatalf("adjustWorker: %v", err)
	}

	m := x.member(k)
	if m.XP != 0 || m.Level != 0 {
		t.Fatalf("XP/Level = %d/%d, want 0/0", m.XP, m.Level)
	}
}

func TestAdjustRequeuesRemainderOnCancel(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)

	if !x.tryLock(k) {
		t.Fatal("tryLock failed")
	}
	defer x.unlock(k)

	x.EnqueueSet(k.GuildID, k.UserID, 100)
	x.EnqueueAdd(k.GuildID, k.UserID, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := x.adjustWorker(ctx, nil); err == nil {
		t.Fatal("expected context error while member is locked")
	}

	x.adjustMu.Lock()
	pending := len(x.adjustQueue)
	x.adjustMu.Unlock()
	if pending != 2 {
		t.Fatalf("queue length = %d, want both events requeued in order", pending)
	}
}

// ===========================
// Decay
// ===========================

func TestDecayAppliesPercentage(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 1000, time.Now().Add(-8*24*time.Hour), time.Time{})
	x.queueDecay(k, time.Now().Add(-time.Second))

	if _, err := x.decayApplyWorker(context.Background(), nil); err != nil {
		t.Fatalf("decayApplyWorker: %v", err)
	}

	m := x.member(k)
	if m.XP != 980 {
		t.Fatalf("XP = %d, want 980 after 2%% decay", m.XP)
	}
	if m.LastDecayAt.IsZero() {
		t.Fatal("LastDecayAt not recorded")
	}

	x.decayMu.Lock()
	_, requeued := x.decayPending[k]
	x.decayMu.Unlock()
	if !requeued {
		t.Fatal("member with remaining XP must be requeued for the next decay")
	}
}

func TestDecayEscapesWhenMemberSpoke(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 1000, time.Now(), time.Time{})
	x.queueDecay(k, time.Now().Add(-time.Second))

	if _, err := x.decayApplyWorker(context.Background(), nil); err != nil {
		t.Fatalf("decayApplyWorker: %v", err)
	}

	if m := x.member(k); m.XP != 1000 {
		t.Fatalf("XP = %d, recent activity must escape decay", m.XP)
	}
	x.decayMu.Lock()
	_, requeued := x.decayPending[k]
	x.decayMu.Unlock()
	if requeued {
		t.Fatal("escaped member must not be requeued")
	}
}

func TestDecayThrottledWithin24h(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 1000, time.Now().Add(-8*24*time.Hour), time.Now().Add(-time.Hour))
	x.queueDecay(k, time.Now().Add(-time.Second))

	if _, err := x.decayApplyWorker(context.Background(), nil); err != nil {
		t.Fatalf("decayApplyWorker: %v", err)
	}

	if m := x.member(k); m.XP != 1000 {
		t.Fatalf("XP = %d, decay within the throttle window must defer", m.XP)
	}
	x.decayMu.Lock()
	_, deferred := x.decayPending[k]
	x.decayMu.Unlock()
	if !deferred {
		t.Fatal("throttled member must be requeued for later")
	}
}

func TestDecayScanQueuesInactiveMembers(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	inactive := testKey(1)
	active := testKey(2)
	broke := testKey(3)
	seedMember(x, inactive, 500, time.Now().Add(-8*24*time.Hour), time.Time{})
	seedMember(x, active, 500, time.Now(), time.Time{})
	seedMember(x, broke, 0, time.Now().Add(-8*24*time.Hour), time.Time{})

	if _, err := x.decayScanWorker(context.Background(), nil); err != nil {
		t.Fatalf("decayScanWorker: %v", err)
	}

	x.decayMu.Lock()
	defer x.decayMu.Unlock()
	if _, ok := x.decayPending[inactive]; !ok {
		t.Fatal("inactive member must be queued for decay")
	}
	if _, ok := x.decayPending[active]; ok {
		t.Fatal("active member must not be queued")
	}
	if _, ok := x.decayPending[broke]; ok {
		t.Fatal("zero-XP member must not be queued")
	}
}

func TestQueueDecayDeduplicates(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	if !x.queueDecay(k, time.Now()) {
		t.Fatal("first queueDecay must enqueue")
	}
	if x.queueDecay(k, time.Now()) {
		t.Fatal("second queueDecay must dedupe")
	}
}

// ===========================
// Sync
// ===========================

func TestSyncFlushesDirtySet(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	a, b := testKey(1), testKey(2)
	seedMember(x, a, 100, time.Now(), time.Time{})
	seedMember(x, b, 200, time.Now(), time.Time{})
	x.markDirty(a)
	x.markDirty(b)

	var mu sync.Mutex
	var flushed []XPRecord
	x.persistBatch = func(ctx context.Context, records []XPRecord) error {
		mu.Lock()
		flushed = append(flushed, records...)
		mu.Unlock()
		return nil
	}

	if _, err := x.syncWorker(context.Background(), nil); err != nil {
		t.Fatalf("syncWorker: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 2 {
		t.Fatalf("flushed %d records, want 2", len(flushed))
	}
	x.dirtyMu.Lock()
	dirty := len(x.dirty)
	x.dirtyMu.Unlock()
	if dirty != 0 {
		t.Fatalf("dirty set has %d entries after flush, want 0", dirty)
	}
}

func TestSyncRemarksDirtyOnFailure(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 100, time.Now(), time.Time{})
	x.markDirty(k)

	x.persistBatch = func(ctx context.Context, records []XPRecord) error {
		return errors.New("database gone")
	}

	if _, err := x.syncWorker(context.Background(), nil); err == nil {
		t.Fatal("syncWorker must surface the persistence error")
	}

	x.dirtyMu.Lock()
	_, stillDirty := x.dirty[k]
	x.dirtyMu.Unlock()
	if !stillDirty {
		t.Fatal("failed flush must re-mark the batch dirty")
	}
}

func TestSyncSkipsLockedMembers(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 100, time.Now(), time.Time{})
	x.markDirty(k)

	if !x.tryLock(k) {
		t.Fatal("tryLock failed")
	}
	defer x.unlock(k)

	var flushes int
	x.persistBatch = func(ctx context.Context, records []XPRecord) error {
		flushes += len(records)
		return nil
	}

	if _, err := x.syncWorker(context.Background(), nil); err != nil {
		t.Fatalf("syncWorker: %v", err)
	}
	if flushes != 0 {
		t.Fatalf("flushed %d records for a locked member, want 0", flushes)
	}

	x.dirtyMu.Lock()
	_, stillDirty := x.dirty[k]
	x.dirtyMu.Unlock()
	if !stillDirty {
		t.Fatal("locked member must stay dirty for the next round")
	}
}

func TestSyncFlushesMemberDirtiedMidFlight(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	k := testKey(1)
	seedMember(x, k, 100, time.Now(), time.Time{})
	x.markDirty(k)

	var mu sync.Mutex
	var batches [][]XPRecord
	release := make(chan struct{})
	x.persistBatch = func(ctx context.Context, records []XPRecord) error {
		mu.Lock()
		batches = append(batches, records)
		first := len(batches) == 1
		mu.Unlock()
		if first {
			<-release
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		_, _ = x.syncWorker(context.Background(), nil)
		close(done)
	}()
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	})

	// An adjustment lands while the first flush is still in flight; it must
	// not be swallowed by that flush's bookkeeping.
	x.EnqueueSet(k.GuildID, k.UserID, 500)
	if _, err := x.adjustWorker(context.Background(), nil); err != nil {
		t.Fatalf("adjustWorker: %v", err)
	}
	close(release)
	<-done

	if _, err := x.syncWorker(context.Background(), nil); err != nil {
		t.Fatalf("syncWorker: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("got %d flushes, want a second one for the mid-flight update", len(batches))
	}
	if len(batches[1]) != 1 || batches[1][0].XP != 500 {
		t.Fatalf("second flush = %+v, want the adjusted record with XP 500", batches[1])
	}
}

// ===========================
// Queries & Wiring
// ===========================

func TestTopAndRank(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	seedMember(x, testKey(1), 300, time.Now(), time.Time{})
	seedMember(x, testKey(2), 900, time.Now(), time.Time{})
	seedMember(x, testKey(3), 100, time.Now(), time.Time{})
	seedMember(x, xpKey{GuildID: snowflake.ID(999), UserID: snowflake.ID(4)}, 5000, time.Now(), time.Time{})

	top := x.Top(snowflake.ID(100), 2)
	if len(top) != 2 {
		t.Fatalf("Top returned %d entries, want 2", len(top))
	}
	if top[0].UserID != snowflake.ID(2) || top[0].Rank != 1 {
		t.Fatalf("leader = %+v, want user 2 at rank 1", top[0])
	}

	entry := x.Rank(snowflake.ID(100), snowflake.ID(3))
	if entry == nil || entry.Rank != 3 {
		t.Fatalf("Rank = %+v, want rank 3", entry)
	}
	if x.Rank(snowflake.ID(100), snowflake.ID(42)) != nil {
		t.Fatal("unknown member must have no rank")
	}
}

func TestTopConcurrentWithGainWorker(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	x.gainCooldown = 0
	k := testKey(1)

	const rounds = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			x.HandleMessage(k.GuildID, k.UserID)
			_, _ = x.gainWorker(context.Background(), nil)
		}
	}()

	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
			for _, e := range x.Top(k.GuildID, 0) {
				if e.XP < 0 || e.Level < 0 {
					t.Fatalf("torn read from leaderboard: %+v", e)
				}
			}
		}
	}

	entries := x.Top(k.GuildID, 1)
	if len(entries) != 1 || entries[0].XP != rounds*15 {
		t.Fatalf("entries = %+v, want one entry with XP %d", entries, rounds*15)
	}
}

func TestConcurrentGainAndAdjustLosesNoUpdate(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	x.gainCooldown = 0
	x.gainMaxAttempts = 1 << 30 // contention must requeue, never drop
	k := testKey(1)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			x.HandleMessage(k.GuildID, k.UserID)
			_, _ = x.gainWorker(context.Background(), nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			x.EnqueueAdd(k.GuildID, k.UserID, 5)
			_, _ = x.adjustWorker(context.Background(), nil)
		}
	}()
	wg.Wait()

	// Drain whatever contention requeued.
	waitFor(t, 5*time.Second, func() bool {
		_, _ = x.gainWorker(context.Background(), nil)
		_, _ = x.adjustWorker(context.Background(), nil)
		x.gainMu.Lock()
		gains := len(x.gainQueue)
		x.gainMu.Unlock()
		x.adjustMu.Lock()
		adjusts := len(x.adjustQueue)
		x.adjustMu.Unlock()
		return gains == 0 && adjusts == 0
	})

	st := x.member(k).snapshot()
	want := int64(rounds*15 + rounds*5)
	if st.XP != want {
		t.Fatalf("XP = %d, want %d: an update was lost", st.XP, want)
	}
}

func TestRegisterWorkersSchedulesFive(t *testing.T) {
	t.Parallel()
	x := newTestXP(t)
	s := NewWorkerScheduler()
	x.RegisterWorkers(s)
	if got := s.Pending(); got != 5 {
		t.Fatalf("pending workers = %d, want 5", got)
	}
}
