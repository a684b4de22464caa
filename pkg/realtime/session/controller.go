package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/navtalk/ClinicApp/pkg/events"
	"github.com/navtalk/ClinicApp/pkg/metrics"
	"github.com/navtalk/ClinicApp/pkg/realtime/audio"
	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"github.com/navtalk/ClinicApp/pkg/realtime/signaling"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const inboxSize = 256

// Options 控制器依赖
type Options struct {
	Config      Config
	Channels    ChannelFactory
	Negotiators NegotiatorFactory
	// Source 采集源，为 nil 时开麦会得到资源错误
	Source      audio.Source
	SampleRate  int
	FrameSize   int
	Transcripts *records.TranscriptRepository
	Bus         *events.Bus
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// live 一次会话持有的全部资源，idle 时为 nil
type live struct {
	id        string
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	channel   signaling.Channel
	negotiate Negotiator
	pipeline  *audio.Pipeline
	startedAt time.Time

	ready     bool
	phase     Phase
	acquiring bool
	fragments map[string]*strings.Builder
	calls     map[string]*PendingToolCall
	pending   *string
	hangup    *time.Timer
}

// Controller 会话状态机，所有状态只在事件循环 goroutine 中读写
type Controller struct {
	cfg         Config
	channels    ChannelFactory
	negotiators NegotiatorFactory
	source      audio.Source
	sampleRate  int
	frameSize   int
	transcripts *records.TranscriptRepository
	bus         *events.Bus
	metrics     *metrics.Metrics
	errs        *errhandler.Handler
	logger      *zap.Logger

	inbox   chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// 以下字段归事件循环所有
	state      State
	gen        uint64
	live       *live
	mic        bool
	transcript []records.Entry
	lastErr    string
}

// New 创建控制器并启动事件循环
func New(opts Options) (*Controller, error) {
	if opts.Channels == nil {
		return nil, errors.New("session: channel factory is required")
	}
	if opts.Negotiators == nil {
		return nil, errors.New("session: negotiator factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	source := opts.Source
	if source == nil {
		source = noSource{}
	}
	c := &Controller{
		cfg:         opts.Config.withDefaults(),
		channels:    opts.Channels,
		negotiators: opts.Negotiators,
		source:      source,
		sampleRate:  opts.SampleRate,
		frameSize:   opts.FrameSize,
		transcripts: opts.Transcripts,
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		errs:        errhandler.NewHandler(logger),
		logger:      logger,
		inbox:       make(chan func(), inboxSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		state:       StateIdle,
		mic:         true,
		transcript:  []records.Entry{},
	}
	if c.transcripts != nil {
		c.transcript = c.transcripts.Load(context.Background())
	}
	go c.run()
	return c, nil
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.inbox:
			c.exec(fn)
		case <-c.quit:
			c.teardown()
			return
		}
	}
}

func (c *Controller) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("session event handler panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

// post 投递到事件循环，控制器已关闭时返回 false
func (c *Controller) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// do 投递并等待执行完成
func (c *Controller) do(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrClosed
	}
}

// Close 停止会话并退出事件循环
func (c *Controller) Close() error {
	c.once.Do(func() { close(c.quit) })
	<-c.stopped
	return nil
}

// Start 建立会话，握手完成或失败后返回；已在连接或进行中时为空操作
func (c *Controller) Start(ctx context.Context) error {
	var (
		wait <-chan error
		err  error
	)
	if e := c.do(func() { wait, err = c.start(ctx) }); e != nil {
		return e
	}
	if err != nil || wait == nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}
}

func (c *Controller) start(ctx context.Context) (<-chan error, error) {
	if c.state != StateIdle {
		c.logger.Debug("start ignored", zap.String("state", string(c.state)))
		return nil, nil
	}
	if strings.TrimSpace(c.cfg.License) == "" {
		err := errhandler.Configuration("session", "missing license", ErrMissingLicense)
		c.surface(err)
		return nil, err
	}

	c.gen++
	gen := c.gen
	id := uuid.NewString()
	ch, err := c.channels(id)
	if err != nil {
		e := errhandler.Transport("session", "unable to start", err)
		if errhandler.KindOf(err) == errhandler.KindConfiguration {
			e = errhandler.Configuration("session", "unable to start", err)
		}
		c.surface(e)
		c.metrics.RecordSessionStart("failed")
		return nil, e
	}
	neg, err := c.negotiators(ch, func(state webrtc.PeerConnectionState) {
		c.post(func() { c.onMediaState(gen, state) })
	})
	if err != nil {
		_ = ch.Close()
		e := errhandler.Transport("session", "unable to start", err)
		c.surface(e)
		c.metrics.RecordSessionStart("failed")
		return nil, e
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &live{
		id:        id,
		gen:       gen,
		ctx:       sctx,
		cancel:    cancel,
		channel:   ch,
		negotiate: neg,
		phase:     PhaseReady,
		fragments: make(map[string]*strings.Builder),
		calls:     make(map[string]*PendingToolCall),
	}
	s.pipeline = audio.NewPipeline(c.source, ch, c.sampleRate, c.frameSize, c.logger)
	s.pipeline.SetEnabled(c.mic)
	s.pipeline.OnChunks = c.metrics.RecordAudioChunks

	ch.OnMessage(func(ev protocol.Event) {
		c.post(func() { c.dispatch(gen, ev) })
	})
	ch.OnClose(func(err error) {
		c.post(func() { c.onChannelClosed(gen, err) })
	})

	c.live = s
	c.setState(StateConnecting)
	c.logger.Info("session starting", zap.String("sessionId", id), zap.String("character", c.cfg.Character))

	result := make(chan error, 1)
	go func() {
		err := ch.Open(ctx)
		if !c.post(func() { result <- c.opened(gen, err) }) {
			result <- ErrClosed
		}
	}()
	return result, nil
}

func (c *Controller) opened(gen uint64, err error) error {
	s := c.live
	if s == nil || s.gen != gen {
		return ErrAborted
	}
	if err != nil {
		c.logger.Error("unable to start session", zap.String("sessionId", s.id), zap.Error(err))
		c.teardown()
		e := errhandler.Transport("session", "unable to start", err)
		c.surface(e)
		c.metrics.RecordSessionStart("failed")
		return e
	}
	s.startedAt = time.Now()
	c.setState(StateActive)
	c.metrics.RecordSessionStart("ok")
	return nil
}

// Stop 结束会话，可重复调用
func (c *Controller) Stop() error {
	return c.do(c.teardown)
}

// Toggle 进行中则停止，否则启动
func (c *Controller) Toggle(ctx context.Context) error {
	var active bool
	if err := c.do(func() { active = c.state == StateActive }); err != nil {
		return err
	}
	if active {
		return c.Stop()
	}
	return c.Start(ctx)
}

// teardown 依次释放音频、媒体、信令，每步独立
func (c *Controller) teardown() {
	s := c.live
	if s == nil {
		if c.state != StateIdle {
			c.setState(StateIdle)
		}
		return
	}
	c.live = nil
	if s.hangup != nil {
		s.hangup.Stop()
		s.hangup = nil
	}
	s.pending = nil
	clear(s.fragments)
	clear(s.calls)
	s.cancel()

	err := errors.Join(
		step("audio", s.pipeline.Deactivate),
		step("media", s.negotiate.Close),
		step("signaling", s.channel.Close),
	)
	if err != nil {
		c.logger.Warn("session teardown incomplete", zap.String("sessionId", s.id), zap.Error(err))
	}
	var activeFor time.Duration
	if !s.startedAt.IsZero() {
		activeFor = time.Since(s.startedAt)
	}
	c.state = StateIdle
	c.metrics.RecordState(string(StateIdle), activeFor)
	c.publishState(s.id)
	c.logger.Info("session stopped", zap.String("sessionId", s.id), zap.Duration("duration", activeFor))
}

func step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s teardown panic: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (c *Controller) setState(st State) {
	c.state = st
	c.metrics.RecordState(string(st), 0)
	id := ""
	if c.live != nil {
		id = c.live.id
	}
	c.publishState(id)
}

func (c *Controller) publishState(id string) {
	c.bus.Emit(events.TopicSessionState, map[string]any{
		"state":     string(c.state),
		"sessionId": id,
	}, "session")
}

// surface 记录错误，需要提示用户时发布到事件总线
func (c *Controller) surface(err error) {
	e := c.errs.HandleError(err, "session")
	if e == nil {
		return
	}
	c.metrics.RecordError(e.Kind.String())
	if !e.Surfaced() {
		return
	}
	msg := errhandler.UserMessage(e)
	c.lastErr = msg
	c.bus.Emit(events.TopicSessionError, map[string]any{
		"kind":    e.Kind.String(),
		"message": msg,
		"detail":  e.Error(),
	}, e.Component)
}

// SetMicrophone 进行中的会话只启停采集，不影响信令和媒体
func (c *Controller) SetMicrophone(enabled bool) error {
	return c.do(func() {
		c.mic = enabled
		s := c.live
		if s == nil {
			return
		}
		s.pipeline.SetEnabled(enabled)
		if !enabled {
			if err := s.pipeline.Deactivate(); err != nil {
				c.logger.Warn("microphone release incomplete", zap.Error(err))
			}
			return
		}
		if c.state == StateActive {
			c.activateCapture(s)
		}
	})
}

func (c *Controller) MicrophoneEnabled() bool {
	var on bool
	if err := c.do(func() { on = c.mic }); err != nil {
		return false
	}
	return on
}

// activateCapture 在循环外打开设备，完成后回到循环接通
func (c *Controller) activateCapture(s *live) {
	if !s.pipeline.Enabled() || s.pipeline.Active() || s.acquiring {
		return
	}
	s.acquiring = true
	gen := s.gen
	pipeline := s.pipeline
	ctx := s.ctx
	go func() {
		capture, err := pipeline.Acquire(ctx)
		if !c.post(func() { c.captureAcquired(gen, capture, err) }) {
			_ = audio.Release(capture)
		}
	}()
}

func (c *Controller) captureAcquired(gen uint64, capture *audio.Capture, err error) {
	s := c.live
	if s == nil || s.gen != gen {
		if capture != nil {
			_ = audio.Release(capture)
		}
		return
	}
	s.acquiring = false
	if err != nil {
		if !errors.Is(err, audio.ErrMicrophoneDisabled) {
			c.surface(err)
		}
		return
	}
	if !s.pipeline.Install(capture) {
		_ = audio.Release(capture)
	}
}

// SendText 用户文字输入
func (c *Controller) SendText(text string) error {
	var err error
	if e := c.do(func() {
		s := c.activeLive()
		if s == nil {
			err = ErrNotActive
			return
		}
		if strings.TrimSpace(text) == "" {
			err = ErrEmptyMessage
			return
		}
		c.appendEntry(records.RoleUser, text)
		c.send(s, protocol.UserText(text))
		c.send(s, protocol.ResponseCreate())
	}); e != nil {
		return e
	}
	return err
}

// SendImage 发送一帧摄像头画面
func (c *Controller) SendImage(mime string, data []byte) error {
	var err error
	if e := c.do(func() {
		s := c.activeLive()
		if s == nil {
			err = ErrNotActive
			return
		}
		if len(data) == 0 {
			err = ErrEmptyMessage
			return
		}
		if mime == "" {
			mime = "image/jpeg"
		}
		c.send(s, protocol.UserImage(mime, data))
	}); e != nil {
		return e
	}
	return err
}

func (c *Controller) activeLive() *live {
	if c.state != StateActive {
		return nil
	}
	return c.live
}

func (c *Controller) Snapshot() Snapshot {
	var snap Snapshot
	_ = c.do(func() {
		snap = Snapshot{
			State:            c.state,
			Phase:            PhaseReady,
			Microphone:       c.mic,
			TranscriptLength: len(c.transcript),
			LastError:        c.lastErr,
		}
		if s := c.live; s != nil {
			snap.SessionID = s.id
			snap.Phase = s.phase
			snap.Ready = s.ready
			snap.Capturing = s.pipeline.Active()
			snap.Fragments = len(s.fragments)
			snap.ToolCalls = len(s.calls)
			snap.HangupArmed = s.hangup != nil
			if s.pending != nil {
				snap.PendingHangup = *s.pending
			}
		}
	})
	return snap
}

// Transcript 对话记录副本
func (c *Controller) Transcript() []records.Entry {
	var out []records.Entry
	_ = c.do(func() {
		out = append([]records.Entry{}, c.transcript...)
	})
	return out
}

func (c *Controller) ClearTranscript() error {
	var err error
	if e := c.do(func() {
		c.transcript = []records.Entry{}
		if c.transcripts != nil {
			err = c.transcripts.Clear(context.Background())
		}
	}); e != nil {
		return e
	}
	return err
}

func (c *Controller) appendEntry(role records.Role, content string) {
	entry := records.NewEntry(role, content)
	c.transcript = append(c.transcript, entry)
	if c.transcripts != nil {
		if err := c.transcripts.Save(context.Background(), c.transcript); err != nil {
			c.logger.Warn("persist transcript failed", zap.Error(err))
		}
	}
	c.bus.Emit(events.TopicTranscriptAppend, map[string]any{
		"id":        entry.ID,
		"role":      string(entry.Role),
		"content":   entry.Content,
		"createdAt": entry.CreatedAt,
	}, "session")
}

func (c *Controller) send(s *live, msg protocol.Outbound) {
	if err := s.channel.Send(msg); err != nil {
		c.logger.Warn("outbound message not sent", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// noSource 未配置采集源
type noSource struct{}

func (noSource) Open(context.Context, int, func([]float32)) (audio.Device, error) {
	return nil, errors.New("no capture source configured")
}
