package main

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// XP System
// ===========================

const (
	MsgXPGainRequeued = "Gain event for %s/%s requeued (member locked, attempt %d)"
	MsgXPGainDropped  = "Gain event for %s/%s dropped after %d contention retries"
	MsgXPAdjusted     = "XP for %s/%s adjusted to %d (level %d)"
	MsgXPDecayApplied = "Decayed %s/%s by %.1f%%: %d -> %d"
	MsgXPDecayScan    = "Decay scan queued %d members"
	MsgXPSyncFlushed  = "Flushed %d member records"
	MsgXPSyncFailed   = "Flush of %d records failed, re-marked dirty: %v"
	MsgXPGuildLoaded  = "Loaded %d members for guild %s"

	XPGainWorker       = "xp-gain"
	XPAdjustWorker     = "xp-adjust"
	XPDecayScanWorker  = "xp-decay-scan"
	XPDecayApplyWorker = "xp-decay-apply"
	XPSyncWorker       = "xp-sync"

	xpGainMaxAttempts = 5
	xpAdjustLockWait  = 50 * time.Millisecond
	xpDecayThrottle   = 24 * time.Hour
)

type xpKey struct {
	GuildID snowflake.ID
	UserID  snowflake.ID
}

// XPMember is the in-memory record for one guild member. The advisory lock
// serializes whole operations across workers; mu guards the fields themselves
// so query paths can read them without holding the advisory lock.
type XPMember struct {
	mu            sync.Mutex
	XP            int64
	Level         int
	LastMessageAt time.Time
	LastDecayAt   time.Time
}

// snapshot returns a consistent copy of the member's fields.
func (m *XPMember) snapshot() XPMember {
	m.mu.Lock()
	defer m.mu.Unlock()
	return XPMember{
		XP:            m.XP,
		Level:         m.Level,
		LastMessageAt: m.LastMessageAt,
		LastDecayAt:   m.LastDecayAt,
	}
}

type memberLock struct {
	mu   sync.Mutex
	refs int
}

type gainEvent struct {
	key      xpKey
	at       time.Time
	attempts int
}

type adjustEvent struct {
	key   xpKey
	set   *int64
	delta int64
}

// decayItem is one pending decay, ordered by eligibility time.
type decayItem struct {
	key        xpKey
	eligibleAt time.Time
	index      int
}

type decayHeap []*decayItem

func (h decayHeap) Len() int            { return len(h) }
func (h decayHeap) Less(i, j int) bool  { return h[i].eligibleAt.Before(h[j].eligibleAt) }
func (h decayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *decayHeap) Push(x any) {
	item := x.(*decayItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *decayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// XPSystem accrues, adjusts, decays and persists member XP through five
// scheduler workers. Per-member advisory locks serialize concurrent access
// from different workers; the dirty set batches writes.
type XPSystem struct {
	mu      sync.Mutex
	members map[xpKey]*XPMember
	locks   map[xpKey]*memberLock

	gainMu    sync.Mutex
	gainQueue []gainEvent

	adjustMu    sync.Mutex
	adjustQueue []adjustEvent

	decayMu      sync.Mutex
	decayPending map[xpKey]struct{}
	decayQueue   decayHeap

	dirtyMu sync.Mutex
	dirty   map[xpKey]struct{}

	gainAmount      int64
	gainCooldown    time.Duration
	gainMaxAttempts int
	decayPercent    float64
	decayGrace      time.Duration

	// Injection points for persistence and the level curve.
	persistBatch func(ctx context.Context, records []XPRecord) error
	levelForXP   func(xp int64) int

	onLevelUp func(key xpKey, level int)
}

func NewXPSystem(cfg *Config) *XPSystem {
	x := &XPSystem{
		members:         make(map[xpKey]*XPMember),
		locks:           make(map[xpKey]*memberLock),
		decayPending:    make(map[xpKey]struct{}),
		dirty:           make(map[xpKey]struct{}),
		gainAmount:      cfg.XPGainAmount,
		gainCooldown:    cfg.XPGainCooldown,
		gainMaxAttempts: xpGainMaxAttempts,
		decayPercent:    cfg.XPDecayPercent,
		decayGrace:      cfg.XPDecayGrace,
		persistBatch:    SaveXPBatch,
		levelForXP:      defaultLevelCurve,
	}
	heap.Init(&x.decayQueue)
	return x
}

// defaultLevelCurve maps total XP onto a level: level n needs 100*n^2 XP.
func defaultLevelCurve(xp int64) int {
	if xp <= 0 {
		return 0
	}
	return int(math.Sqrt(float64(xp) / 100))
}

// OnLevelUp installs the level-up announcement callback.
func (x *XPSystem) OnLevelUp(fn func(key xpKey, level int)) {
	x.onLevelUp = fn
}

// ===========================
// Advisory Locks
// ===========================

// acquireEntry bumps the refcount for a member lock, creating it on demand.
func (x *XPSystem) acquireEntry(k xpKey) *memberLock {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.locks[k]
	if !ok {
		e = &memberLock{}
		x.locks[k] = e
	}
	e.refs++
	return e
}

// releaseEntry drops a refcount and evicts the lock once unreferenced, so
// the lock table does not grow with every member ever seen.
func (x *XPSystem) releaseEntry(k xpKey) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.locks[k]; ok {
		e.refs--
		if e.refs <= 0 {
			delete(x.locks, k)
		}
	}
}

// tryLock attempts a non-blocking acquire of the member's advisory lock.
func (x *XPSystem) tryLock(k xpKey) bool {
	e := x.acquireEntry(k)
	if e.mu.TryLock() {
		return true
	}
	x.releaseEntry(k)
	return false
}

// lockWait acquires the member's advisory lock, polling until it is free or
// ctx ends. Returns false when the context was cancelled first.
func (x *XPSystem) lockWait(ctx context.Context, k xpKey) bool {
	for {
		if x.tryLock(k) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(xpAdjustLockWait):
		}
	}
}

func (x *XPSystem) unlock(k xpKey) {
	x.mu.Lock()
	e := x.locks[k]
	x.mu.Unlock()
	if e != nil {
		e.mu.Unlock()
	}
	x.releaseEntry(k)
}

func (x *XPSystem) member(k xpKey) *XPMember {
	x.mu.Lock()
	defer x.mu.Unlock()
	m, ok := x.members[k]
	if !ok {
		m = &XPMember{}
		x.members[k] = m
	}
	return m
}

func (x *XPSystem) markDirty(k xpKey) {
	x.dirtyMu.Lock()
	x.dirty[k] = struct{}{}
	x.dirtyMu.Unlock()
}

// ===========================
// Ingestion
// ===========================

// HandleMessage queues a gain event for the message author. Called from the
// gateway message handler; never blocks.
func (x *XPSystem) HandleMessage(guildID, userID snowflake.ID) {
	x.gainMu.Lock()
	x.gainQueue = append(x.gainQueue, gainEvent{key: xpKey{guildID, userID}, at: time.Now()})
	x.gainMu.Unlock()
}

// EnqueueSet queues an absolute XP adjustment.
func (x *XPSystem) EnqueueSet(guildID, userID snowflake.ID, value int64) {
	x.adjustMu.Lock()
	x.adjustQueue = append(x.adjustQueue, adjustEvent{key: xpKey{guildID, userID}, set: &value})
	x.adjustMu.Unlock()
}

// EnqueueAdd queues a relative XP adjustment.
func (x *XPSystem) EnqueueAdd(guildID, userID snowflake.ID, delta int64) {
	x.adjustMu.Lock()
	x.adjustQueue = append(x.adjustQueue, adjustEvent{key: xpKey{guildID, userID}, delta: delta})
	x.adjustMu.Unlock()
}

// ===========================
// Workers
// ===========================

// RegisterWorkers hooks the five XP workers into the scheduler.
func (x *XPSystem) RegisterWorkers(s *WorkerScheduler) {
	s.RegisterPeriodic(XPGainWorker, 1*time.Second, x.gainWorker)
	s.RegisterPeriodic(XPAdjustWorker, 1*time.Second, x.adjustWorker)
	s.RegisterPeriodic(XPDecayScanWorker, 1*time.Hour, x.decayScanWorker)
	s.RegisterPeriodic(XPDecayApplyWorker, 1*time.Minute, x.decayApplyWorker)
	s.RegisterPeriodic(XPSyncWorker, 30*time.Second, x.syncWorker)
}

// gainWorker drains the gain queue in FIFO order. A member whose advisory
// lock is held gets requeued to the back rather than blocking the batch;
// after too many contended attempts the event is dropped.
func (x *XPSystem) gainWorker(ctx context.Context, _ map[string]any) (time.Duration, error) {
	x.gainMu.Lock()
	batch := x.gainQueue
	x.gainQueue = nil
	x.gainMu.Unlock()

	var requeue []gainEvent
	for _, ev := range batch {
		if ctx.Err() != nil {
			requeue = append(requeue, ev)
			continue
		}
		if !x.tryLock(ev.key) {
			ev.attempts++
			if ev.attempts >= x.gainMaxAttempts {
				LogXP(MsgXPGainDropped, ev.key.GuildID, ev.key.UserID, ev.attempts)
				continue
			}
			LogXP(MsgXPGainRequeued, ev.key.GuildID, ev.key.UserID, ev.attempts)
			requeue = append(requeue, ev)
			continue
		}

		x.applyGain(ev)
		x.unlock(ev.key)
	}

	if len(requeue) > 0 {
		x.gainMu.Lock()
		x.gainQueue = append(x.gainQueue, requeue...)
		x.gainMu.Unlock()
	}
	return time.Second, nil
}

func (x *XPSystem) applyGain(ev gainEvent) {
	m := x.member(ev.key)
	m.mu.Lock()
	if !m.LastMessageAt.IsZero() && ev.at.Sub(m.LastMessageAt) < x.gainCooldown {
		m.mu.Unlock()
		return
	}

	m.XP += x.gainAmount
	m.LastMessageAt = ev.at
	prev := m.Level
	m.Level = x.levelForXP(m.XP)
	level := m.Level
	m.mu.Unlock()

	x.markDirty(ev.key)
	x.queueDecay(ev.key, ev.at.Add(x.decayGrace))

	if level > prev && x.onLevelUp != nil {
		key := ev.key
		safeGo(func() { x.onLevelUp(key, level) })
	}
}

// adjustWorker applies moderator adjustments in FIFO order. Unlike gains,
// adjustments wait for the member lock instead of requeueing, so a burst of
// commands lands in submission order.
func (x *XPSystem) adjustWorker(ctx context.Context, _ map[string]any) (time.Duration, error) {
	x.adjustMu.Lock()
	batch := x.adjustQueue
	x.adjustQueue = nil
	x.adjustMu.Unlock()

	for i, ev := range batch {
		if !x.lockWait(ctx, ev.key) {
			x.adjustMu.Lock()
			x.adjustQueue = append(batch[i:], x.adjustQueue...)
			x.adjustMu.Unlock()
			return time.Second, ctx.Err()
		}

		m := x.member(ev.key)
		m.mu.Lock()
		if ev.set != nil {
			m.XP = *ev.set
		} else {
			m.XP += ev.delta
		}
		if m.XP < 0 {
			m.XP = 0
		}
		m.Level = x.levelForXP(m.XP)
		xp, level := m.XP, m.Level
		m.mu.Unlock()

		x.markDirty(ev.key)
		LogXP(MsgXPAdjusted, ev.key.GuildID, ev.key.UserID, xp, level)
		x.unlock(ev.key)
	}
	return time.Second, nil
}

// queueDecay adds a member to the decay schedule unless already pending.
func (x *XPSystem) queueDecay(k xpKey, eligibleAt time.Time) bool {
	x.decayMu.Lock()
	defer x.decayMu.Unlock()
	if _, ok := x.decayPending[k]; ok {
		return false
	}
	x.decayPending[k] = struct{}{}
	heap.Push(&x.decayQueue, &decayItem{key: k, eligibleAt: eligibleAt})
	return true
}

// decayScanWorker sweeps all members and queues those whose last activity
// fell outside the grace period.
func (x *XPSystem) decayScanWorker(_ context.Context, _ map[string]any) (time.Duration, error) {
	now := time.Now()

	x.mu.Lock()
	type candidate struct {
		key        xpKey
		eligibleAt time.Time
	}
	var candidates []candidate
	for k, m := range x.members {
		st := m.snapshot()
		if st.XP <= 0 {
			continue
		}
		last := st.LastMessageAt
		if last.IsZero() {
			continue
		}
		eligible := last.Add(x.decayGrace)
		if !eligible.After(now) {
			candidates = append(candidates, candidate{k, eligible})
		}
	}
	x.mu.Unlock()

	queued := 0
	for _, c := range candidates {
		if x.queueDecay(c.key, c.eligibleAt) {
			queued++
		}
	}
	if queued > 0 {
		LogXP(MsgXPDecayScan, queued)
	}
	return time.Hour, nil
}

// decayApplyWorker pops due decay entries and applies the percentage decay.
// Eligibility is revalidated under the member lock: a member who spoke
// during the wait escapes untouched, and one decayed within the last day is
// deferred instead of double-decayed.
func (x *XPSystem) decayApplyWorker(_ context.Context, _ map[string]any) (time.Duration, error) {
	now := time.Now()

	var due []*decayItem
	x.decayMu.Lock()
	for x.decayQueue.Len() > 0 && !x.decayQueue[0].eligibleAt.After(now) {
		item := heap.Pop(&x.decayQueue).(*decayItem)
		delete(x.decayPending, item.key)
		due = append(due, item)
	}
	x.decayMu.Unlock()

	for _, item := range due {
		if !x.tryLock(item.key) {
			x.queueDecay(item.key, now.Add(time.Minute))
			continue
		}

		m := x.member(item.key)
		m.mu.Lock()
		if m.LastMessageAt.Add(x.decayGrace).After(now) {
			m.mu.Unlock()
			x.unlock(item.key)
			continue
		}
		if !m.LastDecayAt.IsZero() && now.Sub(m.LastDecayAt) < xpDecayThrottle {
			next := m.LastDecayAt.Add(xpDecayThrottle)
			m.mu.Unlock()
			x.queueDecay(item.key, next)
			x.unlock(item.key)
			continue
		}

		before := m.XP
		m.XP = int64(float64(m.XP) * (100 - x.decayPercent) / 100)
		if m.XP < 0 {
			m.XP = 0
		}
		m.LastDecayAt = now
		m.Level = x.levelForXP(m.XP)
		after := m.XP
		m.mu.Unlock()

		x.markDirty(item.key)
		LogXP(MsgXPDecayApplied, item.key.GuildID, item.key.UserID, x.decayPercent, before, after)

		if after > 0 {
			x.queueDecay(item.key, now.Add(xpDecayThrottle))
		}
		x.unlock(item.key)
	}
	return time.Minute, nil
}

// syncWorker flushes the dirty set with swap-and-flush semantics: the set is
// atomically replaced before writing, and re-marked wholesale on failure.
// Persistence is at-least-once; a member updated mid-flush just gets written
// again next round.
func (x *XPSystem) syncWorker(ctx context.Context, _ map[string]any) (time.Duration, error) {
	x.dirtyMu.Lock()
	batch := x.dirty
	x.dirty = make(map[xpKey]struct{})
	x.dirtyMu.Unlock()

	if len(batch) == 0 {
		return 30 * time.Second, nil
	}

	records := make([]XPRecord, 0, len(batch))
	for k := range batch {
		if !x.tryLock(k) {
			// picked up next round
			x.markDirty(k)
			continue
		}
		st := x.member(k).snapshot()
		records = append(records, XPRecord{
			GuildID:       k.GuildID,
			UserID:        k.UserID,
			XP:            st.XP,
			Level:         st.Level,
			LastMessageAt: st.LastMessageAt,
			LastDecayAt:   st.LastDecayAt,
		})
		x.unlock(k)
	}

	if len(records) == 0 {
		return 30 * time.Second, nil
	}

	if err := x.persistBatch(ctx, records); err != nil {
		x.dirtyMu.Lock()
		for k := range batch {
			x.dirty[k] = struct{}{}
		}
		x.dirtyMu.Unlock()
		LogXP(MsgXPSyncFailed, len(records), err)
		return 0, err
	}

	LogXP(MsgXPSyncFlushed, len(records))
	return 30 * time.Second, nil
}

// ===========================
// Queries & Loading
// ===========================

// LoadGuild hydrates the member map from persistence.
func (x *XPSystem) LoadGuild(ctx context.Context, guildID snowflake.ID) error {
	records, err := LoadXPMembers(ctx, guildID)
	if err != nil {
		return err
	}

	x.mu.Lock()
	for _, r := range records {
		k := xpKey{r.GuildID, r.UserID}
		m, ok := x.members[k]
		if !ok {
			m = &XPMember{}
			x.members[k] = m
		}
		m.mu.Lock()
		m.XP = r.XP
		m.Level = r.Level
		m.LastMessageAt = r.LastMessageAt
		m.LastDecayAt = r.LastDecayAt
		m.mu.Unlock()
	}
	x.mu.Unlock()

	LogXP(MsgXPGuildLoaded, len(records), guildID)
	return nil
}

// RankEntry is one row of a guild leaderboard.
type RankEntry struct {
	UserID snowflake.ID
	XP     int64
	Level  int
	Rank   int
}

// Rank returns a member's leaderboard entry, or nil when untracked.
func (x *XPSystem) Rank(guildID, userID snowflake.ID) *RankEntry {
	entries := x.Top(guildID, 0)
	for _, e := range entries {
		if e.UserID == userID {
			return &e
		}
	}
	return nil
}

// Top returns the guild leaderboard ordered by XP descending. limit <= 0
// returns everything.
func (x *XPSystem) Top(guildID snowflake.ID, limit int) []RankEntry {
	x.mu.Lock()
	var entries []RankEntry
	for k, m := range x.members {
		if k.GuildID != guildID {
			continue
		}
		st := m.snapshot()
		if st.XP <= 0 {
			continue
		}
		entries = append(entries, RankEntry{UserID: k.UserID, XP: st.XP, Level: st.Level})
	}
	x.mu.Unlock()

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].XP > entries[j-1].XP; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// TriggerDecayScan queues an immediate decay sweep, used by the admin
// command.
func (x *XPSystem) TriggerDecayScan() {
	safeGo(func() {
		_, _ = x.decayScanWorker(context.Background(), nil)
		_, _ = x.decayApplyWorker(context.Background(), nil)
	})
}
