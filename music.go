package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Music Engine
// ===========================

const (
	MsgMusicSessionCreated  = "Created session for guild %s (channel %s)"
	MsgMusicSessionRemoved  = "Removed session for guild %s"
	MsgMusicIdleDisconnect  = "Idle for %v in guild %s. Disconnecting..."
	MsgMusicPlaying         = "Playing in guild %s: %s [%v]"
	MsgMusicPlayFailed      = "Play attempt failed in guild %s: %v"
	MsgMusicRefreshFailed   = "Stream refresh failed for %s: %v"
	MsgMusicConnectionLost  = "Voice connection lost in guild %s. Leaving queue intact."
	MsgMusicRadioPlaying    = "Radio %q started in guild %s"
	MsgMusicSnapshotStale   = "Discarding stale session snapshot for guild %s (age %v)"
	MsgMusicSessionResumed  = "Resumed session for guild %s (%d tracks, cursor %d)"
	MsgMusicShutdown        = "Shutting down Music System..."
	MsgMusicExportFailed    = "Failed to export session for guild %s: %v"
	MsgMusicLoopModeChanged = "Loop mode in guild %s is now %s"
	MsgMusicTrackDropped    = "Dropping track %q in guild %s after %d failed attempts"

	QueuePageSize          = 10
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultResumeWindow    = 180 * time.Second
	DefaultPollInterval    = 1 * time.Second
	DefaultProgressEvery   = 17 * time.Second
	DefaultFailBackoff     = 3 * time.Second
	StreamRefreshHeadstart = 30 * time.Second
	MaxTrackFailures       = 3
)

var (
	ErrNothingPlaying   = errors.New("nothing is playing")
	ErrBadIndex         = errors.New("index out of range")
	ErrCurrentTrack     = errors.New("operation targets the currently playing track")
	ErrRadioMode        = errors.New("not available in radio mode")
	ErrPlayerMode       = errors.New("not available in player mode")
	ErrStaleSnapshot    = errors.New("session snapshot is too old to resume")
	ErrSessionClosed    = errors.New("session closed")
	ErrStreamUnplayable = errors.New("could not obtain a playable stream")
)

// VoiceConnectError wraps failures to join or stay in a voice channel so
// callers can show a connection-specific message.
type VoiceConnectError struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Err       error
}

func (e *VoiceConnectError) Error() string {
	return fmt.Sprintf("failed to connect to voice channel %s in guild %s: %v", e.ChannelID, e.GuildID, e.Err)
}

func (e *VoiceConnectError) Unwrap() error { return e.Err }

// LoopMode controls cursor advancement in the play loop.
type LoopMode int

const (
	LoopNone LoopMode = iota
	LoopAll
	LoopOne
)

func (m LoopMode) String() string {
	switch m {
	case LoopAll:
		return "all"
	case LoopOne:
		return "one"
	default:
		return "off"
	}
}

// Next returns the following mode in the off -> all -> one cycle.
func (m LoopMode) Next() LoopMode {
	switch m {
	case LoopNone:
		return LoopAll
	case LoopAll:
		return LoopOne
	default:
		return LoopNone
	}
}

// ServiceMode selects between queued playback and a continuous radio stream.
type ServiceMode int

const (
	ModePlayer ServiceMode = iota
	ModeRadio
)

func (m ServiceMode) String() string {
	if m == ModeRadio {
		return "radio"
	}
	return "player"
}

// RadioStream describes a continuous stream source.
type RadioStream struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Track is one queue entry. Seek fields are mutated in place by Seek and
// consumed exactly once by the play loop.
type Track struct {
	ID           string
	SourceURL    string
	Title        string
	Artist       string
	ThumbnailURL string
	Duration     time.Duration
	AddedBy      snowflake.ID
	AddedAt      time.Time
	StreamURL    string
	StreamExpiry time.Time
	SeekTo       time.Duration
	ResetSeek    bool
	FailCount    int
}

// Remaining reports how much of the track is left from the given offset.
func (t *Track) Remaining(from time.Duration) time.Duration {
	if t.Duration <= from {
		return 0
	}
	return t.Duration - from
}

// TrackMetadata is what a resolver returns for a playable input.
type TrackMetadata struct {
	SourceURL    string
	Title        string
	Artist       string
	ThumbnailURL string
	Duration     time.Duration
	StreamURL    string
	StreamExpiry time.Time
}

// TrackResolver resolves URLs, playlist URLs or free-text search terms into
// playable metadata. A nil result with a nil error means "not found".
type TrackResolver interface {
	Resolve(ctx context.Context, input string) (*TrackMetadata, error)
	ResolvePlaylist(ctx context.Context, url string) ([]*TrackMetadata, error)
}

// AudioPlayer is the voice connection boundary. Play returns once audio has
// started; the engine polls IsPlaying/IsPaused until playback ends.
type AudioPlayer interface {
	Connect(ctx context.Context, channelID snowflake.ID) error
	Play(ctx context.Context, streamURL string, seekTo time.Duration) error
	Stop()
	Pause()
	Resume()
	IsPlaying() bool
	IsPaused() bool
	IsConnected() bool
	Position() time.Duration
	Disconnect(ctx context.Context)
}

// ===========================
// Registry
// ===========================

// MusicSystem owns at most one MusicSession per guild.
type MusicSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*MusicSession

	resolver     TrackResolver
	newPlayer    func(guildID snowflake.ID) AudioPlayer
	idleTimeout  time.Duration
	resumeWindow time.Duration
}

func NewMusicSystem(resolver TrackResolver, newPlayer func(guildID snowflake.ID) AudioPlayer) *MusicSystem {
	return &MusicSystem{
		sessions:     make(map[snowflake.ID]*MusicSession),
		resolver:     resolver,
		newPlayer:    newPlayer,
		idleTimeout:  DefaultIdleTimeout,
		resumeWindow: DefaultResumeWindow,
	}
}

// Get returns the live session for a guild, or nil.
func (ms *MusicSystem) Get(guildID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sessions[guildID]
}

// GetOrCreate returns the guild's session, creating it and starting its play
// loop on first use. A session whose context has ended is replaced.
func (ms *MusicSystem) GetOrCreate(guildID, channelID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if sess, ok := ms.sessions[guildID]; ok {
		if sess.cancelCtx.Err() == nil {
			sess.mu.Lock()
			sess.ChannelID = channelID
			sess.mu.Unlock()
			return sess
		}
		delete(ms.sessions, guildID)
	}

	sess := newMusicSession(guildID, channelID, ms.resolver, ms.newPlayer(guildID), ms.idleTimeout)
	sess.onRemove = func() { ms.Remove(guildID) }
	ms.sessions[guildID] = sess
	safeGo(sess.runLoop)
	LogMusic(MsgMusicSessionCreated, guildID, channelID)
	return sess
}

// Remove drops the registry entry without touching the session itself.
func (ms *MusicSystem) Remove(guildID snowflake.ID) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.sessions[guildID]; ok {
		delete(ms.sessions, guildID)
		LogMusic(MsgMusicSessionRemoved, guildID)
	}
}

// Sessions returns a snapshot of all live sessions.
func (ms *MusicSystem) Sessions() []*MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([]*MusicSession, 0, len(ms.sessions))
	for _, s := range ms.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown disconnects every session and empties the registry.
func (ms *MusicSystem) Shutdown(ctx context.Context) {
	LogMusic(MsgMusicShutdown)
	ms.mu.Lock()
	sessions := make([]*MusicSession, 0, len(ms.sessions))
	for id, s := range ms.sessions {
		sessions = append(sessions, s)
		delete(ms.sessions, id)
	}
	ms.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		safeGo(func() {
			defer wg.Done()
			s.Close(ctx)
		})
	}
	wg.Wait()
}

// ===========================
// Session
// ===========================

// MusicSession owns one guild's playback state. All mutating operations
// serialize on mu; the play loop never holds mu across a blocking call.
type MusicSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID

	mu          sync.Mutex
	queue       []*Track
	cursor      int
	loopMode    LoopMode
	serviceMode ServiceMode
	radio       *RadioStream
	progress    time.Duration
	paused      bool
	lastFailure string

	// One-shot flags consumed by the play loop.
	suppressAdvance bool

	player      AudioPlayer
	resolver    TrackResolver
	idleTimeout time.Duration

	pollInterval  time.Duration
	progressEvery time.Duration
	failBackoff   time.Duration

	cancelCtx   context.Context
	cancelFunc  context.CancelFunc
	queueUpdate chan struct{}
	closed      bool

	refreshPlayer func(page int)
	onRemove      func()
	trackSeq      uint64
}

func newMusicSession(guildID, channelID snowflake.ID, resolver TrackResolver, player AudioPlayer, idleTimeout time.Duration) *MusicSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &MusicSession{
		GuildID:       guildID,
		ChannelID:     channelID,
		resolver:      resolver,
		player:        player,
		idleTimeout:   idleTimeout,
		pollInterval:  DefaultPollInterval,
		progressEvery: DefaultProgressEvery,
		failBackoff:   DefaultFailBackoff,
		cancelCtx:     ctx,
		cancelFunc:    cancel,
		queueUpdate:   make(chan struct{}, 1),
	}
}

// OnRefresh installs the UI refresh callback invoked after mutating
// operations with the queue page of the current track.
func (s *MusicSession) OnRefresh(fn func(page int)) {
	s.mu.Lock()
	s.refreshPlayer = fn
	s.mu.Unlock()
}

// Connect joins the session's voice channel.
func (s *MusicSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	channelID := s.ChannelID
	s.mu.Unlock()
	if err := s.player.Connect(ctx, channelID); err != nil {
		return &VoiceConnectError{GuildID: s.GuildID, ChannelID: channelID, Err: err}
	}
	return nil
}

func (s *MusicSession) signalQueue() {
	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
}

func (s *MusicSession) notifyRefresh() {
	s.mu.Lock()
	fn := s.refreshPlayer
	page := s.cursor/QueuePageSize + 1
	s.mu.Unlock()
	if fn != nil {
		fn(page)
	}
}

// ===========================
// Queue Operations
// ===========================

// Enqueue resolves the input and appends the resulting track. With playNow
// the track is inserted right after the current one and a skip is forced.
// Returns nil when the input cannot be resolved, and never errors the play
// loop itself. In radio mode this is a no-op.
func (s *MusicSession) Enqueue(ctx context.Context, input string, addedBy snowflake.ID, playNow bool, seekTo time.Duration) (*Track, error) {
	s.mu.Lock()
	if s.serviceMode == ModeRadio {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()

	md, err := s.resolver.Resolve(ctx, input)
	if err != nil {
		return nil, err
	}
	if md == nil {
		return nil, nil
	}

	t := s.buildTrack(md, addedBy, seekTo)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	skipped := false
	if playNow && len(s.queue) > 0 {
		at := s.cursor + 1
		s.queue = append(s.queue[:at], append([]*Track{t}, s.queue[at:]...)...)
		s.forceSkipLocked()
		skipped = true
	} else {
		s.queue = append(s.queue, t)
	}
	s.signalQueue()
	s.mu.Unlock()

	if skipped {
		s.player.Stop()
	}
	s.notifyRefresh()
	return t, nil
}

// EnqueueTracks appends a batch of already-resolved tracks (playlist loads).
func (s *MusicSession) EnqueueTracks(metas []*TrackMetadata, addedBy snowflake.ID) []*Track {
	s.mu.Lock()
	if s.serviceMode == ModeRadio || s.closed {
		s.mu.Unlock()
		return nil
	}
	tracks := make([]*Track, 0, len(metas))
	for _, md := range metas {
		t := s.buildTrack(md, addedBy, 0)
		tracks = append(tracks, t)
		s.queue = append(s.queue, t)
	}
	s.signalQueue()
	s.mu.Unlock()

	s.notifyRefresh()
	return tracks
}

func (s *MusicSession) buildTrack(md *TrackMetadata, addedBy snowflake.ID, seekTo time.Duration) *Track {
	s.mu.Lock()
	s.trackSeq++
	seq := s.trackSeq
	s.mu.Unlock()
	return &Track{
		ID:           fmt.Sprintf("%s#%d", md.SourceURL, seq),
		SourceURL:    md.SourceURL,
		Title:        md.Title,
		Artist:       md.Artist,
		ThumbnailURL: md.ThumbnailURL,
		Duration:     md.Duration,
		AddedBy:      addedBy,
		AddedAt:      time.Now(),
		StreamURL:    md.StreamURL,
		StreamExpiry: md.StreamExpiry,
		SeekTo:       seekTo,
		ResetSeek:    seekTo > 0,
	}
}

// Remove deletes the track at index and returns its title. The currently
// playing index is rejected.
func (s *MusicSession) Remove(index int) (string, error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.queue) {
		s.mu.Unlock()
		return "", ErrBadIndex
	}
	if index == s.cursor {
		s.mu.Unlock()
		return "", ErrCurrentTrack
	}
	title := s.queue[index].Title
	s.queue = append(s.queue[:index], s.queue[index+1:]...)
	if index < s.cursor {
		s.cursor--
	}
	s.mu.Unlock()

	s.notifyRefresh()
	return title, nil
}

// Move relocates a track. Neither endpoint may be the currently playing
// index; the cursor follows the playing track by identity.
func (s *MusicSession) Move(from, to int) error {
	s.mu.Lock()
	if from < 0 || from >= len(s.queue) || to < 0 || to >= len(s.queue) {
		s.mu.Unlock()
		return ErrBadIndex
	}
	if from == s.cursor || to == s.cursor {
		s.mu.Unlock()
		return ErrCurrentTrack
	}

	currentID := ""
	if len(s.queue) > 0 {
		currentID = s.queue[s.cursor].ID
	}

	t := s.queue[from]
	s.queue = append(s.queue[:from], s.queue[from+1:]...)
	s.queue = append(s.queue[:to], append([]*Track{t}, s.queue[to:]...)...)

	for i, qt := range s.queue {
		if qt.ID == currentID {
			s.cursor = i
			break
		}
	}
	s.mu.Unlock()

	s.notifyRefresh()
	return nil
}

// SkipTo jumps playback to index. In all-loop the cursor moves directly; in
// one-loop and no-loop the queue is truncated to start at index.
func (s *MusicSession) SkipTo(index int) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.queue) {
		s.mu.Unlock()
		return ErrBadIndex
	}
	switch s.loopMode {
	case LoopAll:
		s.cursor = index
	default:
		s.queue = s.queue[index:]
		s.cursor = 0
	}
	s.suppressAdvance = true
	s.signalQueue()
	s.mu.Unlock()

	s.player.Stop()
	s.notifyRefresh()
	return nil
}

// SkipCurrent stops the current track so the play loop advances. In one-loop
// the track is removed first so it does not repeat; in all-loop with a single
// track left the queue is cleared instead.
func (s *MusicSession) SkipCurrent() (string, error) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return "", ErrNothingPlaying
	}
	title := s.queue[s.cursor].Title
	s.forceSkipLocked()
	s.mu.Unlock()

	s.player.Stop()
	s.notifyRefresh()
	return title, nil
}

// forceSkipLocked applies the pre-stop queue adjustments for a skip. The
// actual Stop happens outside the lock.
func (s *MusicSession) forceSkipLocked() {
	switch s.loopMode {
	case LoopOne:
		s.queue = append(s.queue[:s.cursor], s.queue[s.cursor+1:]...)
		if s.cursor >= len(s.queue) {
			s.cursor = 0
		}
		s.suppressAdvance = true
	case LoopAll:
		if len(s.queue) == 1 {
			s.queue = nil
			s.cursor = 0
			s.suppressAdvance = true
		}
	}
	s.signalQueue()
}

// Seek marks the current track to resume from the given offset and restarts
// its audio source. The marker is reset by the play loop on pickup so the
// next natural advance does not re-seek.
func (s *MusicSession) Seek(offset time.Duration) error {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return ErrNothingPlaying
	}
	if offset < 0 {
		offset = 0
	}
	cur := s.queue[s.cursor]
	if cur.Duration > 0 && offset > cur.Duration {
		offset = cur.Duration
	}
	cur.SeekTo = offset
	cur.ResetSeek = true
	s.suppressAdvance = true
	s.signalQueue()
	s.mu.Unlock()

	s.player.Stop()
	return nil
}

// SetLoopMode switches the loop mode, cycling to the next mode when nil.
// Entering no-loop or one-loop drops already-played history: the queue is
// truncated to start at the cursor and the cursor resets to 0.
func (s *MusicSession) SetLoopMode(mode *LoopMode) LoopMode {
	s.mu.Lock()
	next := s.loopMode.Next()
	if mode != nil {
		next = *mode
	}
	s.loopMode = next
	if next == LoopNone || next == LoopOne {
		if len(s.queue) > 0 {
			s.queue = s.queue[s.cursor:]
		}
		s.cursor = 0
	}
	s.mu.Unlock()

	LogMusic(MsgMusicLoopModeChanged, s.GuildID, next)
	s.notifyRefresh()
	return next
}

// Shuffle randomizes all tracks except the currently playing one, which
// stays pinned at its position.
func (s *MusicSession) Shuffle() {
	s.mu.Lock()
	others := make([]int, 0, len(s.queue))
	for i := range s.queue {
		if i != s.cursor {
			others = append(others, i)
		}
	}
	tracks := make([]*Track, len(others))
	for i, idx := range others {
		tracks[i] = s.queue[idx]
	}
	rand.Shuffle(len(tracks), func(i, j int) { tracks[i], tracks[j] = tracks[j], tracks[i] })
	for i, idx := range others {
		s.queue[idx] = tracks[i]
	}
	s.mu.Unlock()

	s.notifyRefresh()
}

// Clear empties the queue, optionally retaining only the playing track.
func (s *MusicSession) Clear(keepCurrent bool) {
	s.mu.Lock()
	stop := false
	if keepCurrent && len(s.queue) > 0 {
		s.queue = []*Track{s.queue[s.cursor]}
		s.cursor = 0
	} else {
		s.queue = nil
		s.cursor = 0
		s.suppressAdvance = true
		stop = true
	}
	s.mu.Unlock()

	if stop {
		s.player.Stop()
	}
	s.notifyRefresh()
}

// Pause suspends audio without touching the queue.
func (s *MusicSession) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.player.Pause()
	s.notifyRefresh()
}

// Resume continues paused audio.
func (s *MusicSession) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.player.Resume()
	s.notifyRefresh()
}

// ChangeServiceMode switches between player and radio. Entering radio clears
// the queue without dropping the connection; leaving radio clears the active
// stream. Current audio always stops.
func (s *MusicSession) ChangeServiceMode(mode ServiceMode) {
	s.mu.Lock()
	if s.serviceMode == mode {
		s.mu.Unlock()
		return
	}
	s.serviceMode = mode
	if mode == ModeRadio {
		s.queue = nil
		s.cursor = 0
	} else {
		s.radio = nil
	}
	s.suppressAdvance = true
	s.signalQueue()
	s.mu.Unlock()

	s.player.Stop()
	s.notifyRefresh()
}

// SetRadio selects the radio stream. The session must be in radio mode.
func (s *MusicSession) SetRadio(stream RadioStream) error {
	s.mu.Lock()
	if s.serviceMode != ModeRadio {
		s.mu.Unlock()
		return ErrPlayerMode
	}
	s.radio = &stream
	s.signalQueue()
	s.mu.Unlock()

	s.player.Stop()
	return nil
}

// Queue returns a copy of the queue and the cursor position.
func (s *MusicSession) Queue() ([]Track, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.queue))
	for i, t := range s.queue {
		out[i] = *t
	}
	return out, s.cursor
}

// Current returns a copy of the playing track and the progress snapshot.
func (s *MusicSession) Current() (*Track, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, 0
	}
	t := *s.queue[s.cursor]
	return &t, s.progress
}

// LoopState reports the loop and service modes.
func (s *MusicSession) LoopState() (LoopMode, ServiceMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopMode, s.serviceMode
}

// Close tears the session down: playback stops, the voice connection drops
// and the registry entry is removed. Terminal for this instance.
func (s *MusicSession) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.suppressAdvance = true
	s.mu.Unlock()

	s.cancelFunc()
	s.player.Stop()
	s.player.Disconnect(ctx)
	if s.onRemove != nil {
		s.onRemove()
	}
}

// ===========================
// Play Loop
// ===========================

// runLoop is the long-running playback coroutine for the session. Cursor
// advancement happens exactly once per completed or stopped track via
// advanceCursorLocked, guarded by a one-shot flag so the first track after
// (re)entering playback is never skipped.
func (s *MusicSession) runLoop() {
	defer func() {
		if r := recover(); r != nil {
			LogError("CRITICAL: music loop panic recovered: %v", r)
		}
	}()

	firstEntry := true
	var lastFinished bool

	for {
		select {
		case <-s.cancelCtx.Done():
			return
		default:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}

		if s.serviceMode == ModeRadio {
			stream := s.radio
			s.mu.Unlock()
			if stream == nil {
				if !s.waitForWork() {
					return
				}
				continue
			}
			s.playRadio(*stream)
			firstEntry = true
			continue
		}

		if len(s.queue) == 0 {
			s.mu.Unlock()
			firstEntry = true
			if !s.waitForWork() {
				return
			}
			continue
		}

		if !firstEntry && lastFinished && !s.suppressAdvance {
			s.advanceCursorLocked()
		}
		s.suppressAdvance = false
		firstEntry = false

		if len(s.queue) == 0 {
			s.mu.Unlock()
			continue
		}

		track := s.queue[s.cursor]
		seekTo := track.SeekTo
		if track.ResetSeek {
			track.SeekTo = 0
			track.ResetSeek = false
		}
		s.progress = seekTo
		s.mu.Unlock()

		finished, err := s.playTrack(track, seekTo)
		lastFinished = finished || err == nil
		if err != nil {
			LogMusic(MsgMusicPlayFailed, s.GuildID, err)
			lastFinished = true

			s.mu.Lock()
			track.FailCount++
			s.lastFailure = track.Title
			dropped := track.FailCount >= MaxTrackFailures
			if dropped {
				s.dropTrackLocked(track)
				lastFinished = false
			}
			s.mu.Unlock()

			if dropped {
				LogMusic(MsgMusicTrackDropped, track.Title, s.GuildID, track.FailCount)
			}
			s.notifyRefresh()
			if !s.failWait() {
				return
			}
		}

		if !s.player.IsConnected() {
			LogMusic(MsgMusicConnectionLost, s.GuildID)
			if !s.waitForWork() {
				return
			}
			firstEntry = true
			continue
		}
	}
}

// failWait pauses the loop after a failed play attempt so a persistently
// broken track cannot spin hot. Queue changes cut the wait short. Returns
// false when the session should terminate.
func (s *MusicSession) failWait() bool {
	backoff := time.NewTimer(s.failBackoff)
	defer backoff.Stop()

	select {
	case <-s.queueUpdate:
		return true
	case <-s.cancelCtx.Done():
		return false
	case <-backoff.C:
		return true
	}
}

// dropTrackLocked evicts a track that failed too many times, by identity so
// concurrent reorders cannot make it remove a different entry.
func (s *MusicSession) dropTrackLocked(t *Track) {
	for i, qt := range s.queue {
		if qt.ID != t.ID {
			continue
		}
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		if s.cursor > i {
			s.cursor--
		}
		if s.cursor >= len(s.queue) {
			s.cursor = 0
		}
		return
	}
}

// LastFailure returns the title of the most recent track that failed to
// start, cleared once playback succeeds again.
func (s *MusicSession) LastFailure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure
}

// waitForWork blocks until the queue changes or the idle countdown fires.
// Returns false when the session should terminate.
func (s *MusicSession) waitForWork() bool {
	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	select {
	case <-s.queueUpdate:
		return true
	case <-s.cancelCtx.Done():
		return false
	case <-idle.C:
		LogMusic(MsgMusicIdleDisconnect, s.idleTimeout, s.GuildID)
		s.Close(context.Background())
		return false
	}
}

// advanceCursorLocked applies one cursor step per the loop mode: no-loop
// removes the finished track (the queue only holds remaining tracks),
// all-loop wraps the cursor, one-loop leaves it in place.
func (s *MusicSession) advanceCursorLocked() {
	switch s.loopMode {
	case LoopNone:
		s.queue = append(s.queue[:s.cursor], s.queue[s.cursor+1:]...)
		if s.cursor >= len(s.queue) {
			s.cursor = 0
		}
	case LoopAll:
		if len(s.queue) > 0 {
			s.cursor = (s.cursor + 1) % len(s.queue)
		}
	case LoopOne:
		// repeat in place
	}
}

// playTrack refreshes the stream if its expiry would lapse before the track
// ends, starts audio and blocks until playback finishes or is stopped.
// Returns whether playback ran to a stop and any start-up error.
func (s *MusicSession) playTrack(track *Track, seekTo time.Duration) (bool, error) {
	s.mu.Lock()
	streamURL := track.StreamURL
	expiry := track.StreamExpiry
	remaining := track.Remaining(seekTo)
	source := track.SourceURL
	title := track.Title
	s.mu.Unlock()

	if streamURL == "" || (!expiry.IsZero() && time.Now().Add(remaining+StreamRefreshHeadstart).After(expiry)) {
		md, err := s.resolver.Resolve(s.cancelCtx, source)
		if err != nil {
			LogMusic(MsgMusicRefreshFailed, source, err)
			return false, err
		}
		if md == nil || md.StreamURL == "" {
			return false, ErrStreamUnplayable
		}
		s.mu.Lock()
		track.StreamURL = md.StreamURL
		track.StreamExpiry = md.StreamExpiry
		streamURL = md.StreamURL
		s.mu.Unlock()
	}

	if err := s.player.Play(s.cancelCtx, streamURL, seekTo); err != nil {
		return false, err
	}
	s.mu.Lock()
	track.FailCount = 0
	s.lastFailure = ""
	s.mu.Unlock()
	LogMusic(MsgMusicPlaying, s.GuildID, title, track.Duration.Round(time.Second))

	s.pollPlayback(seekTo)
	return true, nil
}

// pollPlayback waits for audio to end at ~1s granularity, recording a
// progress snapshot for the UI roughly every 17 seconds.
func (s *MusicSession) pollPlayback(seekTo time.Duration) {
	lastSnapshot := time.Now()
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-time.After(s.pollInterval):
		}

		if !s.player.IsPlaying() && !s.player.IsPaused() {
			return
		}
		if !s.player.IsConnected() {
			return
		}

		if time.Since(lastSnapshot) >= s.progressEvery {
			lastSnapshot = time.Now()
			s.mu.Lock()
			s.progress = seekTo + s.player.Position()
			s.mu.Unlock()
			s.notifyRefresh()
		}
	}
}

// playRadio streams the radio source until it is stopped or replaced.
func (s *MusicSession) playRadio(stream RadioStream) {
	if err := s.player.Play(s.cancelCtx, stream.URL, 0); err != nil {
		LogMusic(MsgMusicPlayFailed, s.GuildID, err)
		s.mu.Lock()
		s.radio = nil
		s.mu.Unlock()
		return
	}
	LogMusic(MsgMusicRadioPlaying, stream.Name, s.GuildID)
	s.pollPlayback(0)
}

// ===========================
// Export / Import
// ===========================

// TrackSnapshot is the serialized form of a queue entry.
type TrackSnapshot struct {
	SourceURL    string       `json:"source_url"`
	Title        string       `json:"title"`
	Artist       string       `json:"artist,omitempty"`
	ThumbnailURL string       `json:"thumbnail_url,omitempty"`
	DurationSec  int64        `json:"duration_sec"`
	AddedBy      snowflake.ID `json:"added_by"`
	AddedAt      time.Time    `json:"added_at"`
}

// SessionSnapshot carries everything needed to resume playback after a
// process restart.
type SessionSnapshot struct {
	GuildID     snowflake.ID    `json:"guild_id"`
	ChannelID   snowflake.ID    `json:"channel_id"`
	Queue       []TrackSnapshot `json:"queue"`
	Cursor      int             `json:"cursor"`
	LoopMode    LoopMode        `json:"loop_mode"`
	ServiceMode ServiceMode     `json:"service_mode"`
	Radio       *RadioStream    `json:"radio,omitempty"`
	ProgressSec int64           `json:"progress_sec"`
	Paused      bool            `json:"paused"`
	ExportedAt  time.Time       `json:"exported_at"`
}

// ExportState serializes the session for later resumption.
func (s *MusicSession) ExportState() *SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &SessionSnapshot{
		GuildID:     s.GuildID,
		ChannelID:   s.ChannelID,
		Cursor:      s.cursor,
		LoopMode:    s.loopMode,
		ServiceMode: s.serviceMode,
		Radio:       s.radio,
		ProgressSec: int64(s.progress.Seconds()),
		Paused:      s.paused,
		ExportedAt:  time.Now(),
	}
	for _, t := range s.queue {
		snap.Queue = append(snap.Queue, TrackSnapshot{
			SourceURL:    t.SourceURL,
			Title:        t.Title,
			Artist:       t.Artist,
			ThumbnailURL: t.ThumbnailURL,
			DurationSec:  int64(t.Duration.Seconds()),
			AddedBy:      t.AddedBy,
			AddedAt:      t.AddedAt,
		})
	}
	return snap
}

// ImportState restores a session from a snapshot. Snapshots older than the
// resume window are rejected with ErrStaleSnapshot. The current track is
// marked to resume from the recorded progress.
func (s *MusicSession) ImportState(snap *SessionSnapshot, resumeWindow time.Duration) error {
	if resumeWindow <= 0 {
		resumeWindow = DefaultResumeWindow
	}
	if age := time.Since(snap.ExportedAt); age > resumeWindow {
		LogMusic(MsgMusicSnapshotStale, snap.GuildID, age.Round(time.Second))
		return ErrStaleSnapshot
	}

	s.mu.Lock()
	s.ChannelID = snap.ChannelID
	s.loopMode = snap.LoopMode
	s.serviceMode = snap.ServiceMode
	s.radio = snap.Radio
	s.paused = snap.Paused
	s.progress = time.Duration(snap.ProgressSec) * time.Second
	s.queue = nil
	for _, ts := range snap.Queue {
		s.trackSeq++
		s.queue = append(s.queue, &Track{
			ID:           fmt.Sprintf("%s#%d", ts.SourceURL, s.trackSeq),
			SourceURL:    ts.SourceURL,
			Title:        ts.Title,
			Artist:       ts.Artist,
			ThumbnailURL: ts.ThumbnailURL,
			Duration:     time.Duration(ts.DurationSec) * time.Second,
			AddedBy:      ts.AddedBy,
			AddedAt:      ts.AddedAt,
		})
	}
	s.cursor = snap.Cursor
	if s.cursor >= len(s.queue) {
		s.cursor = 0
	}
	if len(s.queue) > 0 && s.progress > 0 {
		cur := s.queue[s.cursor]
		cur.SeekTo = s.progress
		cur.ResetSeek = true
	}
	s.signalQueue()
	s.mu.Unlock()

	LogMusic(MsgMusicSessionResumed, snap.GuildID, len(snap.Queue), snap.Cursor)
	return nil
}

// MarshalSnapshot encodes a snapshot as JSON for the persistent store.
func MarshalSnapshot(snap *SessionSnapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UnmarshalSnapshot decodes a stored snapshot.
func UnmarshalSnapshot(raw string) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
