package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ===========================
// Music Commands
// ===========================

const (
	MsgMusicNotInGuild      = "Not in a guild."
	MsgMusicNotInVoice      = "You need to be in a voice channel."
	MsgMusicNoSession       = "Nothing is playing."
	MsgMusicVoiceJoinFailed = "Could not join your voice channel. Check my permissions and try again."
	MsgMusicResolveFailed   = "Could not find anything playable for that input."
	MsgMusicRadioUnknown    = "Unknown radio station: %s"
	MsgMusicRadioNone       = "No radio stations are configured."

	MusicBackupWorker   = "music-backup"
	MusicBackupInterval = 30 * time.Second
)

var (
	MusicManager *MusicSystem
	OnceMusic    sync.Once

	musicClient bot.Client

	playerMessages  sync.Map // snowflake.ID -> playerMessageRef
	refreshLimiters sync.Map // snowflake.ID -> *rate.Limiter
)

type playerMessageRef struct {
	ChannelID snowflake.ID `json:"channel_id"`
	MessageID snowflake.ID `json:"message_id"`
}

func playerMessagePath(guildID snowflake.ID) string {
	return StorePath("music", "player", guildID.String())
}

// GetMusicManager returns the singleton MusicSystem, wiring the resolver and
// per-guild player factory on first use.
func GetMusicManager() *MusicSystem {
	OnceMusic.Do(func() {
		MusicManager = NewMusicSystem(NewYtdlpResolver(), func(guildID snowflake.ID) AudioPlayer {
			return NewDiscordPlayer(musicClient, guildID)
		})
		if GlobalConfig != nil {
			MusicManager.idleTimeout = GlobalConfig.MusicIdleTimeout
			MusicManager.resumeWindow = GlobalConfig.MusicResumeWin
		}
	})
	return MusicManager
}

func init() {
	astiav.SetLogLevel(astiav.LogLevelFatal)

	OnClientReady(func(ctx context.Context, client bot.Client) {
		musicClient = client

		RegisterDaemon(LogMusic, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {
				resumeMusicSessions(ctx)
				Scheduler.RegisterPeriodic(MusicBackupWorker, MusicBackupInterval, musicBackupWorker)
			}, func() {
				if MusicManager != nil {
					exportAllSessions(context.Background())
					MusicManager.Shutdown(context.Background())
				}
			}
		})
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a URL, playlist or search term",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "URL or song name",
						Required:     true,
						Autocomplete: true,
					},
					discord.ApplicationCommandOptionBool{
						Name:        "now",
						Description: "Play immediately instead of queueing at the end",
						Required:    false,
					},
					discord.ApplicationCommandOptionString{
						Name:        "at",
						Description: "Start position (e.g. 1m30s)",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume playback",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skipto",
				Description: "Jump to a queue position",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "position",
						Description: "Queue position to jump to",
						Required:    true,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "seek",
				Description: "Seek within the current track",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "position",
						Description: "Position to seek to (e.g. 1m30s)",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "remove",
				Description: "Remove a track from the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "position",
						Description: "Queue position to remove",
						Required:    true,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "move",
				Description: "Move a track to another position",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "from",
						Description: "Position to move from",
						Required:    true,
						MinValue:    intPtr(1),
					},
					discord.ApplicationCommandOptionInt{
						Name:        "to",
						Description: "Position to move to",
						Required:    true,
						MinValue:    intPtr(1),
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "shuffle",
				Description: "Shuffle the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Cycle or set the loop mode",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "mode",
						Description: "Loop mode (cycles when omitted)",
						Required:    false,
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "Off", Value: "off"},
							{Name: "All", Value: "all"},
							{Name: "One", Value: "one"},
						},
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "clear",
				Description: "Clear the queue",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionBool{
						Name:        "keep_current",
						Description: "Keep the currently playing track",
						Required:    false,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "radio",
				Description: "Switch to a continuous radio stream",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "station",
						Description:  "Configured station name",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "disconnect",
				Description: "Stop playback and leave the voice channel",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)
}

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "skip":
		handleMusicSkip(event)
	case "skipto":
		handleMusicSkipTo(event, data)
	case "seek":
		handleMusicSeek(event, data)
	case "queue":
		handleMusicQueue(event)
	case "remove":
		handleMusicRemove(event, data)
	case "move":
		handleMusicMove(event, data)
	case "shuffle":
		handleMusicShuffle(event)
	case "loop":
		handleMusicLoop(event, data)
	case "clear":
		handleMusicClear(event, data)
	case "radio":
		handleMusicRadio(event, data)
	case "disconnect":
		handleMusicDisconnect(event)
	}
}

// existingSession returns the guild's live session or replies with an error.
func existingSession(event *events.ApplicationCommandInteractionCreate) *MusicSession {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInGuild, true)
		return nil
	}
	sess := GetMusicManager().Get(*guildID)
	if sess == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNoSession, true)
		return nil
	}
	return sess
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInGuild, true)
		return
	}
	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInVoice, true)
		return
	}

	query, _ := data.OptString("query")
	playNow, _ := data.OptBool("now")
	var seekTo time.Duration
	if at, ok := data.OptString("at"); ok {
		seekTo, _ = time.ParseDuration(at)
	}

	_ = event.DeferCreateMessage(false)

	sess := GetMusicManager().GetOrCreate(*guildID, *vs.ChannelID)
	attachRefresh(sess)
	if err := sess.Connect(AppContext); err != nil {
		var vcErr *VoiceConnectError
		if errors.As(err, &vcErr) {
			_ = EditInteractionV2(*event.Client(), event, MsgMusicVoiceJoinFailed)
		} else {
			_ = EditInteractionV2(*event.Client(), event, "Failed: "+err.Error())
		}
		return
	}

	if strings.Contains(query, "list=") || strings.Contains(query, "/playlist") {
		metas, err := sess.resolver.ResolvePlaylist(AppContext, query)
		if err != nil || len(metas) == 0 {
			_ = EditInteractionV2(*event.Client(), event, MsgMusicResolveFailed)
			return
		}
		tracks := sess.EnqueueTracks(metas, event.User().ID)
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf("Queued %d tracks from playlist.", len(tracks)))
		return
	}

	track, err := sess.Enqueue(AppContext, query, event.User().ID, playNow, seekTo)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, "Failed: "+err.Error())
		return
	}
	if track == nil {
		_ = EditInteractionV2(*event.Client(), event, MsgMusicResolveFailed)
		return
	}

	_ = EditInteractionContainerV2(*event.Client(), event, trackContainer("Queued", track))
	ensurePlayerMessage(sess, event.Channel().ID())
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	if sess := existingSession(event); sess != nil {
		sess.Pause()
		_ = RespondInteractionV2(*event.Client(), event, "Paused.", false)
	}
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	if sess := existingSession(event); sess != nil {
		sess.Resume()
		_ = RespondInteractionV2(*event.Client(), event, "Resumed.", false)
	}
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	title, err := sess.SkipCurrent()
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, "Failed to skip: "+err.Error(), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, "Skipped: "+title, false)
}

func handleMusicSkipTo(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	pos, _ := data.OptInt("position")
	if err := sess.SkipTo(pos - 1); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, "Failed: "+err.Error(), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf("Jumped to position %d.", pos), false)
}

func handleMusicSeek(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	raw, _ := data.OptString("position")
	offset, err := time.ParseDuration(raw)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, "Invalid position: "+raw, true)
		return
	}
	if err := sess.Seek(offset); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, "Failed: "+err.Error(), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, "Seeking to "+offset.String()+".", false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	_ = RespondInteractionContainerV2(*event.Client(), event, queueContainer(sess, 1), true)
}

func handleMusicRemove(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	pos, _ := data.OptInt("position")
	title, err := sess.Remove(pos - 1)
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, "Failed: "+err.Error(), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, "Removed: "+title, false)
}

func handleMusicMove(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	from, _ := data.OptInt("from")
	to, _ := data.OptInt("to")
	if err := sess.Move(from-1, to-1); err != nil {
		_ = RespondInteractionV2(*event.Client(), event, "Failed: "+err.Error(), true)
		return
	}
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf("Moved track %d to %d.", from, to), false)
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate) {
	if sess := existingSession(event); sess != nil {
		sess.Shuffle()
		_ = RespondInteractionV2(*event.Client(), event, "Shuffled the queue.", false)
	}
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	var mode *LoopMode
	if raw, ok := data.OptString("mode"); ok {
		m := LoopNone
		switch raw {
		case "all":
			m = LoopAll
		case "one":
			m = LoopOne
		}
		mode = &m
	}
	next := sess.SetLoopMode(mode)
	_ = RespondInteractionV2(*event.Client(), event, "Loop mode: "+next.String(), false)
}

func handleMusicClear(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	keep, _ := data.OptBool("keep_current")
	sess.Clear(keep)
	_ = RespondInteractionV2(*event.Client(), event, "Queue cleared.", false)
}

func handleMusicRadio(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInGuild, true)
		return
	}
	station, _ := data.OptString("station")

	// Raw stream URLs work alongside the configured presets.
	url := station
	if !strings.HasPrefix(station, "http://") && !strings.HasPrefix(station, "https://") {
		if GlobalConfig == nil || len(GlobalConfig.RadioStations) == 0 {
			_ = RespondInteractionV2(*event.Client(), event, MsgMusicRadioNone, true)
			return
		}
		var ok bool
		url, ok = GlobalConfig.RadioStations[strings.ToLower(station)]
		if !ok {
			_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf(MsgMusicRadioUnknown, station), true)
			return
		}
	}

	vs, ok := event.Client().Caches.VoiceState(*guildID, event.User().ID)
	if !ok || vs.ChannelID == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgMusicNotInVoice, true)
		return
	}

	_ = event.DeferCreateMessage(false)

	sess := GetMusicManager().GetOrCreate(*guildID, *vs.ChannelID)
	attachRefresh(sess)
	if err := sess.Connect(AppContext); err != nil {
		_ = EditInteractionV2(*event.Client(), event, MsgMusicVoiceJoinFailed)
		return
	}
	sess.ChangeServiceMode(ModeRadio)
	_ = sess.SetRadio(RadioStream{Name: station, URL: url})
	_ = EditInteractionV2(*event.Client(), event, "Radio: "+station)
}

func handleMusicDisconnect(event *events.ApplicationCommandInteractionCreate) {
	sess := existingSession(event)
	if sess == nil {
		return
	}
	sess.Close(AppContext)
	playerMessages.Delete(sess.GuildID)
	_ = StoreRemove(AppContext, playerMessagePath(sess.GuildID))
	_ = RespondInteractionV2(*event.Client(), event, "Stopped and disconnected.", false)
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	switch f.Name {
	case "station":
		var cs []discord.AutocompleteChoice
		if GlobalConfig != nil {
			prefix := strings.ToLower(f.String())
			for name := range GlobalConfig.RadioStations {
				if prefix == "" || strings.HasPrefix(name, prefix) {
					cs = append(cs, discord.AutocompleteChoiceString{Name: name, Value: name})
				}
				if len(cs) >= SearchResultLimit {
					break
				}
			}
		}
		_ = event.AutocompleteResult(cs)
	case "query":
		q := f.String()
		if q == "" || strings.Contains(q, "http") {
			_ = event.AutocompleteResult(nil)
			return
		}
		rs, err := GetMusicManager().resolver.(*YtdlpResolver).Search(q)
		if err != nil {
			LogResolver(MsgResolverSearchFail, q, err)
			_ = event.AutocompleteResult(nil)
			return
		}
		cs := make([]discord.AutocompleteChoice, 0, len(rs))
		for _, r := range rs {
			v := r.URL
			if len(v) > 100 {
				v = Truncate(r.Title, 100)
			}
			cs = append(cs, discord.AutocompleteChoiceString{Name: Truncate(r.Title, 100), Value: v})
		}
		_ = event.AutocompleteResult(cs)
	}
}

// ===========================
// Player Message
// ===========================

func trackContainer(verb string, t *Track) Container {
	var components []any
	components = append(components, NewTextDisplay(fmt.Sprintf("**%s:** [%s](%s)", verb, t.Title, t.SourceURL)))
	if t.Artist != "" {
		components = append(components, NewTextDisplay(t.Artist))
	}
	if t.ThumbnailURL != "" {
		components = append(components, NewMediaGallery(t.ThumbnailURL))
	}
	return NewV2Container(components...)
}

func queueContainer(sess *MusicSession, page int) Container {
	queue, cursor := sess.Queue()
	loopMode, serviceMode := sess.LoopState()

	var components []any
	if serviceMode == ModeRadio {
		components = append(components, NewTextDisplay("**Radio mode**"))
		return NewV2Container(components...)
	}

	if failed := sess.LastFailure(); failed != "" {
		components = append(components, NewTextDisplay(fmt.Sprintf("⚠️ Playback failed: %s", Truncate(failed, 80))))
	}

	if len(queue) > 0 {
		cur := queue[cursor]
		_, progress := sess.Current()
		components = append(components, NewTextDisplay(fmt.Sprintf("**Now Playing:** [%s](%s) · %s", cur.Title, cur.SourceURL, cur.Artist)))
		components = append(components, NewTextDisplay(fmt.Sprintf("`%s / %s` · loop: %s", progress.Round(time.Second), cur.Duration.Round(time.Second), loopMode)))
		if cur.ThumbnailURL != "" {
			components = append(components, NewMediaGallery(cur.ThumbnailURL))
		}
		components = append(components, NewSeparator(true))
	}

	components = append(components, NewTextDisplay("**Queue:**"))
	if len(queue) == 0 {
		components = append(components, NewTextDisplay("_Empty_"))
		return NewV2Container(components...)
	}

	if page < 1 {
		page = 1
	}
	start := (page - 1) * QueuePageSize
	if start >= len(queue) {
		start = 0
	}
	end := start + QueuePageSize
	if end > len(queue) {
		end = len(queue)
	}

	var qList strings.Builder
	for i := start; i < end; i++ {
		marker := "`%d.`"
		if i == cursor {
			marker = "`%d.` ▶"
		}
		qList.WriteString(fmt.Sprintf(marker+" [%s](%s)\n", i+1, Truncate(queue[i].Title, 80), queue[i].SourceURL))
	}
	if end < len(queue) {
		qList.WriteString(fmt.Sprintf("*...and %d more*", len(queue)-end))
	}
	components = append(components, NewTextDisplay(qList.String()))
	return NewV2Container(components...)
}

// attachRefresh wires the session's UI callback to the guild's player
// message, throttled so rapid queue operations collapse into one edit.
func attachRefresh(sess *MusicSession) {
	limAny, _ := refreshLimiters.LoadOrStore(sess.GuildID, rate.NewLimiter(rate.Every(2*time.Second), 1))
	lim := limAny.(*rate.Limiter)

	sess.OnRefresh(func(page int) {
		if !lim.Allow() {
			return
		}
		refAny, ok := playerMessages.Load(sess.GuildID)
		if !ok {
			return
		}
		ref := refAny.(playerMessageRef)
		safeGo(func() {
			_ = UpdateMessageContainerV2(musicClient, ref.ChannelID, ref.MessageID, queueContainer(sess, page))
		})
	})
}

// ensurePlayerMessage posts the persistent now-playing message on first
// playback in a channel.
func ensurePlayerMessage(sess *MusicSession, channelID snowflake.ID) {
	if _, ok := playerMessages.Load(sess.GuildID); ok {
		return
	}
	safeGo(func() {
		msg, err := CreateMessageContainerV2(musicClient, channelID, queueContainer(sess, 1))
		if err != nil {
			return
		}
		ref := playerMessageRef{ChannelID: channelID, MessageID: msg.ID}
		playerMessages.Store(sess.GuildID, ref)
		_ = StoreSet(AppContext, playerMessagePath(sess.GuildID), ref)
	})
}

// ===========================
// Backup & Resume
// ===========================

// musicBackupWorker periodically snapshots every live session so playback
// can survive a restart.
func musicBackupWorker(ctx context.Context, _ map[string]any) (time.Duration, error) {
	if MusicManager == nil {
		return MusicBackupInterval, nil
	}
	exportAllSessions(ctx)
	return MusicBackupInterval, nil
}

func exportAllSessions(ctx context.Context) {
	for _, sess := range MusicManager.Sessions() {
		snap := sess.ExportState()
		raw, err := MarshalSnapshot(snap)
		if err != nil {
			LogMusic(MsgMusicExportFailed, sess.GuildID, err)
			continue
		}
		if err := SaveMusicSnapshot(ctx, sess.GuildID, raw, snap.ExportedAt); err != nil {
			LogMusic(MsgMusicExportFailed, sess.GuildID, err)
		}
	}
}

// resumeMusicSessions restores sessions snapshotted within the resume
// window. Stale snapshots are discarded either way.
func resumeMusicSessions(ctx context.Context) {
	snapshots, err := LoadMusicSnapshots(ctx)
	if err != nil {
		LogMusic("Failed to load session snapshots: %v", err)
		return
	}

	mm := GetMusicManager()
	for guildID, raw := range snapshots {
		snap, err := UnmarshalSnapshot(raw)
		if err != nil {
			_ = DeleteMusicSnapshot(ctx, guildID)
			continue
		}

		// The play loop fires as soon as ImportState signals the queue, so
		// voice must be up before any state lands in the session.
		sess := mm.GetOrCreate(guildID, snap.ChannelID)
		if err := sess.Connect(ctx); err != nil {
			LogMusic(MsgMusicPlayFailed, guildID, err)
			mm.Remove(guildID)
			sess.Close(ctx)
			_ = DeleteMusicSnapshot(ctx, guildID)
			continue
		}
		if raw, err := StoreGet(ctx, playerMessagePath(guildID)); err == nil && raw != "" {
			var ref playerMessageRef
			if json.Unmarshal([]byte(raw), &ref) == nil {
				playerMessages.Store(guildID, ref)
			}
		}
		attachRefresh(sess)
		if err := sess.ImportState(snap, mm.resumeWindow); err != nil {
			mm.Remove(guildID)
			sess.Close(ctx)
		}
		_ = DeleteMusicSnapshot(ctx, guildID)
	}
}
