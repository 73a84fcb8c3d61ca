package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Fakes
// ===========================

type fakePlayer struct {
	mu           sync.Mutex
	playing      bool
	paused       bool
	connected    bool
	playCalls    []string
	seekCalls    []time.Duration
	stopCount    int
	playAttempts int
	failPlays    int // fail this many Play calls before succeeding
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{connected: true}
}

func (p *fakePlayer) Connect(ctx context.Context, channelID snowflake.ID) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) Play(ctx context.Context, streamURL string, seekTo time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playAttempts++
	if p.failPlays > 0 {
		p.failPlays--
		return errors.New("stream rejected")
	}
	p.playing = true
	p.paused = false
	p.playCalls = append(p.playCalls, streamURL)
	p.seekCalls = append(p.seekCalls, seekTo)
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	p.playing = false
	p.stopCount++
	p.mu.Unlock()
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
}

func (p *fakePlayer) Resume() {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
}

func (p *fakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.paused
}

func (p *fakePlayer) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && p.paused
}

func (p *fakePlayer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePlayer) Position() time.Duration { return 0 }

func (p *fakePlayer) Disconnect(ctx context.Context) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

// finish simulates the current track ending naturally.
func (p *fakePlayer) finish() {
	p.mu.Lock()
	p.playing = false
	p.mu.Unlock()
}

func (p *fakePlayer) attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playAttempts
}

func (p *fakePlayer) plays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.playCalls))
	copy(out, p.playCalls)
	return out
}

type fakeResolver struct {
	mu       sync.Mutex
	resolves atomic.Int32
	fail     bool
}

func (r *fakeResolver) Resolve(ctx context.Context, input string) (*TrackMetadata, error) {
	r.resolves.Add(1)
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return nil, nil
	}
	return &TrackMetadata{
		SourceURL: input,
		Title:     "title:" + input,
		Artist:    "artist",
		Duration:  3 * time.Minute,
		StreamURL: "stream:" + input,
	}, nil
}

func (r *fakeResolver) ResolvePlaylist(ctx context.Context, url string) ([]*TrackMetadata, error) {
	return nil, errors.New("not a playlist resolver")
}

// newTestSession builds a session without starting its play loop so queue
// operations can be exercised deterministically.
func newTestSession(t *testing.T) (*MusicSession, *fakePlayer) {
	t.Helper()
	player := newFakePlayer()
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), &fakeResolver{}, player, time.Minute)
	t.Cleanup(func() { sess.cancelFunc() })
	return sess, player
}

func fillQueue(sess *MusicSession, titles ...string) {
	sess.mu.Lock()
	for _, title := range titles {
		sess.trackSeq++
		sess.queue = append(sess.queue, &Track{
			ID:        title,
			SourceURL: "https://example.invalid/" + title,
			Title:     title,
			StreamURL: "stream:" + title,
			Duration:  3 * time.Minute,
		})
	}
	sess.mu.Unlock()
}

func queueTitles(sess *MusicSession) ([]string, int) {
	queue, cursor := sess.Queue()
	titles := make([]string, len(queue))
	for i, tr := range queue {
		titles[i] = tr.Title
	}
	return titles, cursor
}

func assertQueue(t *testing.T, sess *MusicSession, wantCursor int, want ...string) {
	t.Helper()
	titles, cursor := queueTitles(sess)
	if len(titles) != len(want) {
		t.Fatalf("queue = %v, want %v", titles, want)
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("queue = %v, want %v", titles, want)
		}
	}
	if cursor != wantCursor {
		t.Fatalf("cursor = %d, want %d", cursor, wantCursor)
	}
	if len(titles) > 0 && (cursor < 0 || cursor >= len(titles)) {
		t.Fatalf("cursor %d out of range for queue of %d", cursor, len(titles))
	}
}

// ===========================
// Queue Operations
// ===========================

func TestLoopModeCycle(t *testing.T) {
	t.Parallel()
	if LoopNone.Next() != LoopAll || LoopAll.Next() != LoopOne || LoopOne.Next() != LoopNone {
		t.Fatal("loop mode cycle broken")
	}
}

func TestEnqueueAppends(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)

	tr, err := sess.Enqueue(context.Background(), "songA", snowflake.ID(9), false, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if tr == nil || tr.Title != "title:songA" {
		t.Fatalf("unexpected track %+v", tr)
	}
	if tr.AddedBy != snowflake.ID(9) {
		t.Fatalf("AddedBy = %s", tr.AddedBy)
	}
	assertQueue(t, sess, 0, "title:songA")
}

func TestEnqueueUnresolvableReturnsNil(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	resolver := &fakeResolver{fail: true}
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), resolver, player, time.Minute)
	defer sess.cancelFunc()

	tr, err := sess.Enqueue(context.Background(), "nothing", snowflake.ID(9), false, 0)
	if err != nil || tr != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", tr, err)
	}
	if q, _ := sess.Queue(); len(q) != 0 {
		t.Fatalf("queue should stay empty, got %d entries", len(q))
	}
}

func TestEnqueueRadioModeNoop(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	sess.ChangeServiceMode(ModeRadio)

	tr, err := sess.Enqueue(context.Background(), "songA", snowflake.ID(9), false, 0)
	if err != nil || tr != nil {
		t.Fatalf("expected radio-mode no-op, got (%v, %v)", tr, err)
	}
}

func TestEnqueuePlayNowInsertsAfterCursor(t *testing.T) {
	t.Parallel()
	sess, player := newTestSession(t)
	fillQueue(sess, "A", "B", "C")

	if _, err := sess.Enqueue(context.Background(), "X", snowflake.ID(9), true, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	assertQueue(t, sess, 0, "A", "title:X", "B", "C")
	if player.stopCount != 1 {
		t.Fatalf("playNow must stop the current track, stop count = %d", player.stopCount)
	}
}

func TestRemoveRejectsCurrentAndBadIndex(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C")

	if _, err := sess.Remove(5); !errors.Is(err, ErrBadIndex) {
		t.Fatalf("want ErrBadIndex, got %v", err)
	}
	if _, err := sess.Remove(-1); !errors.Is(err, ErrBadIndex) {
		t.Fatalf("want ErrBadIndex, got %v", err)
	}
	if _, err := sess.Remove(0); !errors.Is(err, ErrCurrentTrack) {
		t.Fatalf("want ErrCurrentTrack, got %v", err)
	}

	title, err := sess.Remove(2)
	if err != nil || title != "C" {
		t.Fatalf("Remove(2) = (%q, %v)", title, err)
	}
	assertQueue(t, sess, 0, "A", "B")
}

func TestRemoveBeforeCursorShiftsCursor(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C")
	sess.mu.Lock()
	sess.cursor = 2
	sess.mu.Unlock()

	if _, err := sess.Remove(0); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	assertQueue(t, sess, 1, "B", "C")
}

func TestMoveCursorFollowsIdentity(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C")

	// Current is A at index 0; moving C to the front shifts A to index 1.
	if err := sess.Move(2, 0); err != nil {
		t.Fatalf("Move: %v", err)
	}
	assertQueue(t, sess, 1, "C", "A", "B")
}

func TestMoveRejectsCurrentEndpoints(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C")

	if err := sess.Move(0, 2); !errors.Is(err, ErrCurrentTrack) {
		t.Fatalf("want ErrCurrentTrack, got %v", err)
	}
	if err := sess.Move(1, 0); !errors.Is(err, ErrCurrentTrack) {
		t.Fatalf("want ErrCurrentTrack for target, got %v", err)
	}
	if err := sess.Move(1, 7); !errors.Is(err, ErrBadIndex) {
		t.Fatalf("want ErrBadIndex, got %v", err)
	}
}

func TestSkipToTruncatesOutsideAllLoop(t *testing.T) {
	t.Parallel()
	sess, player := newTestSession(t)
	fillQueue(sess, "A", "B", "C")

	if err := sess.SkipTo(1); err != nil {
		t.Fatalf("SkipTo: %v", err)
	}
	assertQueue(t, sess, 0, "B", "C")
	if player.stopCount != 1 {
		t.Fatalf("stop count = %d, want 1", player.stopCount)
	}
	sess.mu.Lock()
	suppressed := sess.suppressAdvance
	sess.mu.Unlock()
	if !suppressed {
		t.Fatal("skip must suppress the next natural advance")
	}
}

func TestSkipToKeepsQueueInAllLoop(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C")
	mode := LoopAll
	sess.SetLoopMode(&mode)

	if err := sess.SkipTo(2); err != nil {
		t.Fatalf("SkipTo: %v", err)
	}
	assertQueue(t, sess, 2, "A", "B", "C")
}

func TestSkipCurrentLoopOneRemovesTrack(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B")
	mode := LoopOne
	sess.SetLoopMode(&mode)

	title, err := sess.SkipCurrent()
	if err != nil || title != "A" {
		t.Fatalf("SkipCurrent = (%q, %v)", title, err)
	}
	assertQueue(t, sess, 0, "B")
}

func TestSkipCurrentAllLoopLastTrackClears(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A")
	mode := LoopAll
	sess.SetLoopMode(&mode)

	if _, err := sess.SkipCurrent(); err != nil {
		t.Fatalf("SkipCurrent: %v", err)
	}
	if q, _ := sess.Queue(); len(q) != 0 {
		t.Fatalf("queue should be empty, got %d entries", len(q))
	}
}

func TestSkipCurrentEmptyQueue(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	if _, err := sess.SkipCurrent(); !errors.Is(err, ErrNothingPlaying) {
		t.Fatalf("want ErrNothingPlaying, got %v", err)
	}
}

func TestSetLoopModeTruncatesHistory(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C")
	all := LoopAll
	sess.SetLoopMode(&all)
	sess.mu.Lock()
	sess.cursor = 1
	sess.mu.Unlock()

	none := LoopNone
	sess.SetLoopMode(&none)
	assertQueue(t, sess, 0, "B", "C")
}

func TestSetLoopModeCyclesWhenNil(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	if got := sess.SetLoopMode(nil); got != LoopAll {
		t.Fatalf("first cycle = %v, want all", got)
	}
	if got := sess.SetLoopMode(nil); got != LoopOne {
		t.Fatalf("second cycle = %v, want one", got)
	}
	if got := sess.SetLoopMode(nil); got != LoopNone {
		t.Fatalf("third cycle = %v, want off", got)
	}
}

func TestSeekMarksCurrentTrack(t *testing.T) {
	t.Parallel()
	sess, player := newTestSession(t)
	fillQueue(sess, "A")

	if err := sess.Seek(42 * time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	queue, _ := sess.Queue()
	if queue[0].SeekTo != 42*time.Second || !queue[0].ResetSeek {
		t.Fatalf("seek markers not set: %+v", queue[0])
	}
	if player.stopCount != 1 {
		t.Fatalf("stop count = %d, want 1", player.stopCount)
	}
}

func TestSeekClampsToDuration(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A")

	if err := sess.Seek(time.Hour); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	queue, _ := sess.Queue()
	if queue[0].SeekTo != 3*time.Minute {
		t.Fatalf("SeekTo = %v, want clamp to %v", queue[0].SeekTo, 3*time.Minute)
	}
}

func TestShufflePinsCurrent(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C", "D", "E")
	sess.mu.Lock()
	sess.cursor = 2
	sess.mu.Unlock()

	sess.Shuffle()
	titles, cursor := queueTitles(sess)
	if cursor != 2 || titles[2] != "C" {
		t.Fatalf("current track moved: %v cursor %d", titles, cursor)
	}
	if len(titles) != 5 {
		t.Fatalf("shuffle changed queue length: %v", titles)
	}
}

func TestClearKeepCurrent(t *testing.T) {
	t.Parallel()
	sess, player := newTestSession(t)
	fillQueue(sess, "A", "B", "C")
	sess.mu.Lock()
	sess.cursor = 1
	sess.mu.Unlock()

	sess.Clear(true)
	assertQueue(t, sess, 0, "B")
	if player.stopCount != 0 {
		t.Fatal("keep-current clear must not stop playback")
	}

	sess.Clear(false)
	if q, _ := sess.Queue(); len(q) != 0 {
		t.Fatalf("queue should be empty, got %d", len(q))
	}
	if player.stopCount != 1 {
		t.Fatalf("full clear must stop playback, stop count = %d", player.stopCount)
	}
}

func TestChangeServiceModeClearsQueue(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B")

	sess.ChangeServiceMode(ModeRadio)
	if q, _ := sess.Queue(); len(q) != 0 {
		t.Fatal("entering radio mode must clear the queue")
	}
	if err := sess.SetRadio(RadioStream{Name: "test", URL: "http://radio.invalid"}); err != nil {
		t.Fatalf("SetRadio: %v", err)
	}

	sess.ChangeServiceMode(ModePlayer)
	sess.mu.Lock()
	radio := sess.radio
	sess.mu.Unlock()
	if radio != nil {
		t.Fatal("leaving radio mode must drop the stream")
	}
}

func TestSetRadioRequiresRadioMode(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	if err := sess.SetRadio(RadioStream{Name: "x", URL: "http://radio.invalid"}); !errors.Is(err, ErrPlayerMode) {
		t.Fatalf("want ErrPlayerMode, got %v", err)
	}
}

// ===========================
// Play Loop
// ===========================

func TestPlayLoopAdvancesOncePerTrack(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	resolver := &fakeResolver{}
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), resolver, player, time.Minute)
	sess.pollInterval = 2 * time.Millisecond
	defer sess.Close(context.Background())
	go sess.runLoop()

	if _, err := sess.Enqueue(context.Background(), "one", snowflake.ID(9), false, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := sess.Enqueue(context.Background(), "two", snowflake.ID(9), false, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(player.plays()) == 1 })
	if got := player.plays(); got[0] != "stream:one" {
		t.Fatalf("first play = %q", got[0])
	}

	player.finish()
	waitFor(t, 2*time.Second, func() bool { return len(player.plays()) == 2 })
	if got := player.plays(); got[1] != "stream:two" {
		t.Fatalf("second play = %q, the loop must advance exactly one track", got[1])
	}

	// In no-loop mode the finished track is gone from the queue.
	waitFor(t, 2*time.Second, func() bool {
		titles, cursor := queueTitles(sess)
		return len(titles) == 1 && titles[0] == "title:two" && cursor == 0
	})
}

func TestPlayLoopLoopOneRepeats(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), &fakeResolver{}, player, time.Minute)
	sess.pollInterval = 2 * time.Millisecond
	defer sess.Close(context.Background())
	mode := LoopOne
	sess.SetLoopMode(&mode)
	go sess.runLoop()

	if _, err := sess.Enqueue(context.Background(), "solo", snowflake.ID(9), false, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(player.plays()) == 1 })
	player.finish()
	waitFor(t, 2*time.Second, func() bool { return len(player.plays()) == 2 })

	got := player.plays()
	if got[0] != got[1] {
		t.Fatalf("one-loop must repeat the same track, got %v", got)
	}
}

func TestPlayLoopRefreshesMissingStream(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	resolver := &fakeResolver{}
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), resolver, player, time.Minute)
	sess.pollInterval = 2 * time.Millisecond
	defer sess.Close(context.Background())
	go sess.runLoop()

	// A track without a stream URL (e.g. loaded from a playlist) is resolved
	// lazily by the loop before playing.
	sess.EnqueueTracks([]*TrackMetadata{{
		SourceURL: "lazy",
		Title:     "lazy",
		Duration:  time.Minute,
	}}, snowflake.ID(9))

	waitFor(t, 2*time.Second, func() bool { return len(player.plays()) == 1 })
	if got := player.plays(); got[0] != "stream:lazy" {
		t.Fatalf("play = %q, want the refreshed stream URL", got[0])
	}
	if resolver.resolves.Load() == 0 {
		t.Fatal("resolver was never consulted for the missing stream")
	}
}

func TestPlayLoopIdleTimeoutClosesSession(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), &fakeResolver{}, player, 10*time.Millisecond)
	sess.pollInterval = 2 * time.Millisecond

	removed := make(chan struct{})
	sess.onRemove = func() { close(removed) }
	go sess.runLoop()

	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle session never closed")
	}
	if player.IsConnected() {
		t.Fatal("idle close must disconnect the player")
	}
}

func TestPlayLoopFailingTrackDroppedAfterRetries(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	player.failPlays = 100
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), &fakeResolver{}, player, time.Minute)
	sess.pollInterval = 2 * time.Millisecond
	sess.failBackoff = 2 * time.Millisecond
	defer sess.Close(context.Background())
	one := LoopOne
	sess.SetLoopMode(&one)
	go sess.runLoop()

	if _, err := sess.Enqueue(context.Background(), "broken", snowflake.ID(9), false, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Even in one-loop mode a track that keeps failing is evicted instead of
	// retrying forever.
	waitFor(t, 2*time.Second, func() bool {
		titles, _ := queueTitles(sess)
		return len(titles) == 0
	})
	waitFor(t, 2*time.Second, func() bool { return player.attempts() == MaxTrackFailures })

	time.Sleep(20 * time.Millisecond)
	if got := player.attempts(); got != MaxTrackFailures {
		t.Fatalf("play attempts = %d after eviction, want %d", got, MaxTrackFailures)
	}
	if got := sess.LastFailure(); got != "title:broken" {
		t.Fatalf("LastFailure = %q, want the failed track's title", got)
	}
}

func TestPlayLoopFailureAdvancesAndClearsOnRecovery(t *testing.T) {
	t.Parallel()
	player := newFakePlayer()
	player.failPlays = 1
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), &fakeResolver{}, player, time.Minute)
	sess.pollInterval = 2 * time.Millisecond
	sess.failBackoff = 2 * time.Millisecond
	defer sess.Close(context.Background())
	go sess.runLoop()

	if _, err := sess.Enqueue(context.Background(), "one", snowflake.ID(9), false, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := sess.Enqueue(context.Background(), "two", snowflake.ID(9), false, 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// The failed first track is dropped in no-loop mode and the next one
	// plays; a successful start clears the failure marker.
	waitFor(t, 2*time.Second, func() bool { return len(player.plays()) == 1 })
	if got := player.plays(); got[0] != "stream:two" {
		t.Fatalf("play after failure = %q, want the next track", got[0])
	}
	waitFor(t, 2*time.Second, func() bool { return sess.LastFailure() == "" })
	assertQueue(t, sess, 0, "title:two")
}

func TestImportIntoConnectedSessionResumesPlayback(t *testing.T) {
	t.Parallel()
	source, _ := newTestSession(t)
	fillQueue(source, "A", "B")
	source.mu.Lock()
	source.cursor = 1
	source.progress = 9 * time.Second
	source.mu.Unlock()
	snap := source.ExportState()

	player := newFakePlayer()
	sess := newMusicSession(snowflake.ID(1), snowflake.ID(2), &fakeResolver{}, player, time.Minute)
	sess.pollInterval = 2 * time.Millisecond
	defer sess.Close(context.Background())
	go sess.runLoop()

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.ImportState(snap, time.Minute); err != nil {
		t.Fatalf("ImportState: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(player.plays()) == 1 })
	if got := player.plays(); got[0] != "stream:B" {
		t.Fatalf("resumed play = %q, want the snapshot's current track", got[0])
	}
	player.mu.Lock()
	seek := player.seekCalls[0]
	player.mu.Unlock()
	if seek != 9*time.Second {
		t.Fatalf("resumed seek = %v, want the snapshot's progress", seek)
	}
}

// ===========================
// Export / Import
// ===========================

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B", "C")
	all := LoopAll
	sess.SetLoopMode(&all)
	sess.mu.Lock()
	sess.cursor = 1
	sess.progress = 37 * time.Second
	sess.mu.Unlock()

	snap := sess.ExportState()
	raw, err := MarshalSnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	decoded, err := UnmarshalSnapshot(raw)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}

	restored, _ := newTestSession(t)
	if err := restored.ImportState(decoded, time.Minute); err != nil {
		t.Fatalf("ImportState: %v", err)
	}

	titles, cursor := queueTitles(restored)
	if len(titles) != 3 || cursor != 1 {
		t.Fatalf("restored queue = %v cursor %d", titles, cursor)
	}
	mode, _ := restored.LoopState()
	if mode != LoopAll {
		t.Fatalf("loop mode = %v, want all", mode)
	}

	queue, _ := restored.Queue()
	cur := queue[cursor]
	if cur.SeekTo != 37*time.Second || !cur.ResetSeek {
		t.Fatalf("current track must resume from recorded progress, got %+v", cur)
	}
}

func TestImportRejectsStaleSnapshot(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A")

	snap := sess.ExportState()
	snap.ExportedAt = time.Now().Add(-10 * time.Minute)

	restored, _ := newTestSession(t)
	if err := restored.ImportState(snap, 180*time.Second); !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("want ErrStaleSnapshot, got %v", err)
	}
	if q, _ := restored.Queue(); len(q) != 0 {
		t.Fatal("stale import must not touch the session")
	}
}

func TestImportClampsCursor(t *testing.T) {
	t.Parallel()
	sess, _ := newTestSession(t)
	fillQueue(sess, "A", "B")
	snap := sess.ExportState()
	snap.Cursor = 99

	restored, _ := newTestSession(t)
	if err := restored.ImportState(snap, time.Minute); err != nil {
		t.Fatalf("ImportState: %v", err)
	}
	if _, cursor := restored.Queue(); cursor != 0 {
		t.Fatalf("cursor = %d, want 0", cursor)
	}
}

// ===========================
// Registry
// ===========================

func TestMusicSystemGetOrCreateReuses(t *testing.T) {
	t.Parallel()
	ms := NewMusicSystem(&fakeResolver{}, func(snowflake.ID) AudioPlayer { return newFakePlayer() })
	defer ms.Shutdown(context.Background())

	a := ms.GetOrCreate(snowflake.ID(1), snowflake.ID(2))
	b := ms.GetOrCreate(snowflake.ID(1), snowflake.ID(3))
	if a != b {
		t.Fatal("same guild must reuse the live session")
	}
	if b.ChannelID != snowflake.ID(3) {
		t.Fatalf("channel not updated: %s", b.ChannelID)
	}
	if ms.Get(snowflake.ID(99)) != nil {
		t.Fatal("unknown guild must return nil")
	}
}

func TestMusicSystemCloseRemovesFromRegistry(t *testing.T) {
	t.Parallel()
	ms := NewMusicSystem(&fakeResolver{}, func(snowflake.ID) AudioPlayer { return newFakePlayer() })

	sess := ms.GetOrCreate(snowflake.ID(1), snowflake.ID(2))
	sess.Close(context.Background())
	if ms.Get(snowflake.ID(1)) != nil {
		t.Fatal("closed session must leave the registry")
	}
}
