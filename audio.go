package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Audio Pipeline
// ===========================

const (
	MsgAudioConnectRetry   = "Retrying voice connection in %v (Attempt %d/%d)"
	MsgAudioConnectFail    = "Failed to connect to voice in guild %s after %d attempts: %v"
	MsgAudioTranscodeError = "Transcode error in guild %s: %v"
	MsgAudioSeekFail       = "Input seek to %v failed: %v"

	OpusSampleRate    = 48000
	OpusFrameSamples  = 960
	VoiceConnectTries = 5
)

var (
	OpusSilence     = []byte{0xf8, 0xff, 0xfe}
	SilenceDuration = 1 * time.Second
)

// ===========================
// Transcoder
// ===========================

// OpusTranscoder decodes an arbitrary audio input and re-encodes it as
// 48kHz stereo Opus in 20ms frames.
type OpusTranscoder struct {
	inputCtx               *astiav.FormatContext
	decoderCtx, encoderCtx *astiav.CodecContext
	audioStreamIndex       int
	packet                 *astiav.Packet
	frame                  *astiav.Frame
	resampleCtx            *astiav.SoftwareResampleContext
	resampleFrame          *astiav.Frame
	fifo                   *astiav.AudioFifo
	onFrame                func([]byte)
	pts                    int64
}

func NewOpusTranscoder() *OpusTranscoder {
	return &OpusTranscoder{
		packet:        astiav.AllocPacket(),
		frame:         astiav.AllocFrame(),
		resampleFrame: astiav.AllocFrame(),
	}
}

// Position reports how much audio has been emitted since transcoding began.
func (t *OpusTranscoder) Position() time.Duration {
	return time.Duration(atomic.LoadInt64(&t.pts)) * time.Second / OpusSampleRate
}

func (t *OpusTranscoder) OpenInput(in string) error {
	t.inputCtx = astiav.AllocFormatContext()
	if t.inputCtx == nil {
		return errors.New("failed to alloc ctx")
	}

	var opts *astiav.Dictionary
	if strings.HasPrefix(in, "http") {
		opts = astiav.NewDictionary()
		defer opts.Free()
		opts.Set("reconnect", "1", 0)
		opts.Set("reconnect_at_eof", "1", 0)
		opts.Set("reconnect_streamed", "1", 0)
		opts.Set("reconnect_delay_max", "30", 0)
		opts.Set("timeout", "30000000", 0)
		opts.Set("probesize", "10000000", 0)
		opts.Set("analyzeduration", "10000000", 0)
	}
	if err := t.inputCtx.OpenInput(in, nil, opts); err != nil {
		return err
	}

	if err := t.inputCtx.FindStreamInfo(nil); err != nil {
		return err
	}
	t.audioStreamIndex = -1
	for _, s := range t.inputCtx.Streams() {
		if s.CodecParameters().MediaType() == astiav.MediaTypeAudio {
			t.audioStreamIndex = s.Index()
			break
		}
	}
	if t.audioStreamIndex == -1 {
		return errors.New("no audio")
	}
	return nil
}

// SeekInput positions the demuxer at offset. Must be called before decoding
// starts; the play loop restarts the whole source on every user seek.
func (t *OpusTranscoder) SeekInput(offset time.Duration) error {
	streamTb := t.inputCtx.Streams()[t.audioStreamIndex].TimeBase()
	ts := astiav.RescaleQ(int64(offset.Seconds()*OpusSampleRate), astiav.NewRational(1, OpusSampleRate), streamTb)

	err := t.inputCtx.SeekFrame(t.audioStreamIndex, ts, astiav.SeekFlags(astiav.SeekFlagBackward))
	if err != nil && offset == 0 {
		err = t.inputCtx.SeekFrame(-1, 0, astiav.SeekFlags(astiav.SeekFlagBackward))
	}
	return err
}

func (t *OpusTranscoder) SetupDecoder() error {
	p := t.inputCtx.Streams()[t.audioStreamIndex].CodecParameters()
	d := astiav.FindDecoder(p.CodecID())
	if d == nil {
		return errors.New("no decoder")
	}
	t.decoderCtx = astiav.AllocCodecContext(d)
	_ = p.ToCodecContext(t.decoderCtx)
	return t.decoderCtx.Open(d, nil)
}

func (t *OpusTranscoder) SetupEncoder() error {
	e := astiav.FindEncoderByName("libopus")
	if e == nil {
		e = astiav.FindEncoder(astiav.CodecIDOpus)
	}
	if e == nil {
		return errors.New("no encoder")
	}
	t.encoderCtx = astiav.AllocCodecContext(e)
	t.encoderCtx.SetBitRate(192000)
	t.encoderCtx.SetSampleRate(OpusSampleRate)
	t.encoderCtx.SetChannelLayout(astiav.ChannelLayoutStereo)
	t.encoderCtx.SetSampleFormat(astiav.SampleFormatS16)
	t.encoderCtx.SetTimeBase(astiav.NewRational(1, OpusSampleRate))
	o := astiav.NewDictionary()
	defer o.Free()
	o.Set("vbr", "on", 0)
	o.Set("compression_level", "10", 0)
	o.Set("frame_size", "20", 0)
	if err := t.encoderCtx.Open(e, o); err != nil {
		return err
	}
	t.resampleCtx = astiav.AllocSoftwareResampleContext()
	if t.resampleCtx == nil {
		return errors.New("failed to allocate resampler")
	}
	return nil
}

// Transcode pumps the input through decode/resample/encode until EOF or
// cancellation, handing each Opus frame to on. A trailing nil frame marks
// the end of the stream.
func (t *OpusTranscoder) Transcode(ctx context.Context, on func([]byte)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcoder panic: %v", r)
		}
	}()

	defer t.packet.Unref()
	t.onFrame = on
	defer func() {
		if t.onFrame != nil {
			t.onFrame(nil)
		}
	}()

	t.fifo = astiav.AllocAudioFifo(t.encoderCtx.SampleFormat(), t.encoderCtx.ChannelLayout().Channels(), OpusFrameSamples*2)
	if t.fifo == nil {
		return errors.New("failed to alloc fifo")
	}
	defer func() {
		if t.fifo != nil {
			t.fifo.Free()
			t.fifo = nil
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		t.packet.Unref()

		if err := t.inputCtx.ReadFrame(t.packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				break
			}
			return err
		}

		if t.packet.StreamIndex() != t.audioStreamIndex {
			continue
		}

		if err := t.decoderCtx.SendPacket(t.packet); err != nil {
			return err
		}

		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	if t.decoderCtx != nil {
		_ = t.decoderCtx.SendPacket(nil)
		for {
			if err := t.decoderCtx.ReceiveFrame(t.frame); err != nil {
				break
			}
			if err := t.pushToFifo(); err != nil {
				return err
			}
			t.frame.Unref()
		}
	}

	if err := t.processFifo(true); err != nil {
		return err
	}

	if t.encoderCtx != nil {
		_ = t.encoderCtx.SendFrame(nil)
		for {
			t.packet.Unref()
			if t.encoderCtx.ReceivePacket(t.packet) != nil {
				break
			}
			if t.onFrame != nil {
				d := t.packet.Data()
				fd := make([]byte, len(d))
				copy(fd, d)
				t.onFrame(fd)
			}
		}
	}
	return nil
}

func (t *OpusTranscoder) pushToFifo() error {
	t.resampleFrame.Unref()
	t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
	t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
	t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
	nb := int(astiav.RescaleQ(int64(t.frame.NbSamples()), astiav.NewRational(1, t.frame.SampleRate()), astiav.NewRational(1, t.encoderCtx.SampleRate())))
	if nb > 0 {
		t.resampleFrame.SetNbSamples(nb)
		_ = t.resampleFrame.AllocBuffer(0)
		if t.resampleCtx.ConvertFrame(t.frame, t.resampleFrame) == nil {
			_, _ = t.fifo.Write(t.resampleFrame)
			return t.processFifo(false)
		}
	}
	return nil
}

func (t *OpusTranscoder) processFifo(drain bool) error {
	if t.fifo == nil {
		return nil
	}
	for {
		sz := OpusFrameSamples
		if t.fifo.Size() < sz {
			if !drain || t.fifo.Size() == 0 {
				return nil
			}
			sz = t.fifo.Size()
		}
		t.resampleFrame.Unref()
		t.resampleFrame.SetNbSamples(sz)
		t.resampleFrame.SetChannelLayout(t.encoderCtx.ChannelLayout())
		t.resampleFrame.SetSampleFormat(t.encoderCtx.SampleFormat())
		t.resampleFrame.SetSampleRate(t.encoderCtx.SampleRate())
		_ = t.resampleFrame.AllocBuffer(0)
		_, _ = t.fifo.Read(t.resampleFrame)

		t.resampleFrame.SetPts(atomic.LoadInt64(&t.pts))
		atomic.AddInt64(&t.pts, int64(sz))
		if err := t.encodeAndWrite(t.resampleFrame); err != nil {
			return err
		}
	}
}

func (t *OpusTranscoder) encodeAndWrite(f *astiav.Frame) error {
	if err := t.encoderCtx.SendFrame(f); err != nil {
		return err
	}
	for {
		t.packet.Unref()
		if t.encoderCtx.ReceivePacket(t.packet) != nil {
			break
		}
		if t.onFrame != nil {
			d := t.packet.Data()
			fd := make([]byte, len(d))
			copy(fd, d)
			t.onFrame(fd)
		}
	}
	return nil
}

func (t *OpusTranscoder) Close() {
	if t.resampleCtx != nil {
		t.resampleCtx.Free()
	}
	if t.resampleFrame != nil {
		t.resampleFrame.Free()
	}
	if t.packet != nil {
		t.packet.Free()
	}
	if t.frame != nil {
		t.frame.Free()
	}
	if t.decoderCtx != nil {
		t.decoderCtx.Free()
	}
	if t.encoderCtx != nil {
		t.encoderCtx.Free()
	}
	if t.inputCtx != nil {
		t.inputCtx.CloseInput()
		t.inputCtx.Free()
	}
}

// ===========================
// Frame Provider
// ===========================

// StreamProvider feeds buffered Opus frames to the voice connection. Pausing
// blocks frame delivery; after the final frame a second of silence is sent
// before EOF so Discord flushes its jitter buffer.
type StreamProvider struct {
	frames        chan []byte
	ctx           context.Context
	pauseGate     func() <-chan struct{}
	OnFinish      func()
	once          sync.Once
	draining      bool
	silenceFrames int
}

func NewStreamProvider(ctx context.Context, pauseGate func() <-chan struct{}) *StreamProvider {
	return &StreamProvider{
		frames:    make(chan []byte, 100),
		ctx:       ctx,
		pauseGate: pauseGate,
	}
}

func (p *StreamProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *StreamProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	select {
	case <-p.pauseGate():
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	}

	if p.draining {
		target := int(SilenceDuration.Milliseconds() / 20)
		if p.silenceFrames < target {
			p.silenceFrames++
			return OpusSilence, nil
		}
		p.Close()
		return nil, io.EOF
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.draining = true
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ===========================
// Discord Player
// ===========================

// DiscordPlayer drives one guild's voice connection. It satisfies the
// AudioPlayer contract the playback engine polls against.
type DiscordPlayer struct {
	client  bot.Client
	guildID snowflake.ID

	mu         sync.Mutex
	conn       voice.Conn
	transcoder *OpusTranscoder
	stopFunc   context.CancelFunc

	playing   atomic.Bool
	paused    atomic.Bool
	connected atomic.Bool

	pauseMu   sync.RWMutex
	pauseChan chan struct{}
}

func NewDiscordPlayer(client bot.Client, guildID snowflake.ID) *DiscordPlayer {
	p := &DiscordPlayer{
		client:    client,
		guildID:   guildID,
		pauseChan: make(chan struct{}),
	}
	close(p.pauseChan)
	return p
}

func (p *DiscordPlayer) pauseGate() <-chan struct{} {
	p.pauseMu.RLock()
	defer p.pauseMu.RUnlock()
	return p.pauseChan
}

func (p *DiscordPlayer) Connect(ctx context.Context, channelID snowflake.ID) error {
	p.mu.Lock()
	if p.conn == nil {
		p.conn = p.client.VoiceManager.CreateConn(p.guildID)
	}
	conn := p.conn
	p.mu.Unlock()

	if p.connected.Load() && conn.ChannelID() != nil && *conn.ChannelID() == channelID {
		return nil
	}

	var lastErr error
	for i := range VoiceConnectTries {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			LogMusic(MsgAudioConnectRetry, backoff, i+1, VoiceConnectTries)
			time.Sleep(backoff)
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogMusic(MsgAudioConnectFail, p.guildID, VoiceConnectTries, lastErr)
		conn.Close(ctx)
		return lastErr
	}

	p.connected.Store(true)
	return nil
}

// Play opens the stream, seeks if requested and starts the transcode pump.
// It returns once audio is flowing; completion is observed through
// IsPlaying/IsPaused.
func (p *DiscordPlayer) Play(ctx context.Context, streamURL string, seekTo time.Duration) error {
	p.Stop()

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !p.connected.Load() {
		return errors.New("not connected to voice")
	}

	t := NewOpusTranscoder()
	if err := t.OpenInput(streamURL); err != nil {
		t.Close()
		return err
	}
	if seekTo > 0 {
		if err := t.SeekInput(seekTo); err != nil {
			LogMusic(MsgAudioSeekFail, seekTo, err)
		}
	}
	if err := t.SetupDecoder(); err != nil {
		t.Close()
		return err
	}
	if err := t.SetupEncoder(); err != nil {
		t.Close()
		return err
	}

	playCtx, cancel := context.WithCancel(ctx)
	prov := NewStreamProvider(playCtx, p.pauseGate)
	prov.OnFinish = func() {
		p.playing.Store(false)
		conn.SetOpusFrameProvider(nil)
		conn.SetSpeaking(context.Background(), 0)
	}

	p.mu.Lock()
	p.transcoder = t
	p.stopFunc = cancel
	p.mu.Unlock()
	p.playing.Store(true)

	safeGo(func() {
		defer t.Close()
		if err := t.Transcode(playCtx, prov.PushFrame); err != nil && playCtx.Err() == nil {
			LogMusic(MsgAudioTranscodeError, p.guildID, err)
		}
	})

	conn.SetOpusFrameProvider(prov)
	conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)
	return nil
}

func (p *DiscordPlayer) Stop() {
	p.mu.Lock()
	cancel := p.stopFunc
	p.stopFunc = nil
	p.transcoder = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.playing.Store(false)
	p.resumeGate()
}

func (p *DiscordPlayer) Pause() {
	if p.paused.Swap(true) {
		return
	}
	p.pauseMu.Lock()
	p.pauseChan = make(chan struct{})
	p.pauseMu.Unlock()
}

func (p *DiscordPlayer) Resume() {
	if !p.paused.Swap(false) {
		return
	}
	p.resumeGate()
}

func (p *DiscordPlayer) resumeGate() {
	p.pauseMu.Lock()
	select {
	case <-p.pauseChan:
	default:
		close(p.pauseChan)
	}
	p.pauseMu.Unlock()
}

func (p *DiscordPlayer) IsPlaying() bool { return p.playing.Load() && !p.paused.Load() }
func (p *DiscordPlayer) IsPaused() bool  { return p.playing.Load() && p.paused.Load() }

func (p *DiscordPlayer) IsConnected() bool { return p.connected.Load() }

func (p *DiscordPlayer) Position() time.Duration {
	p.mu.Lock()
	t := p.transcoder
	p.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.Position()
}

func (p *DiscordPlayer) Disconnect(ctx context.Context) {
	p.Stop()
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	p.connected.Store(false)
	if conn != nil {
		conn.Close(ctx)
	}
}
