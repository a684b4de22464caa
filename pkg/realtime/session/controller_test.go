package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/navtalk/ClinicApp/pkg/events"
	"github.com/navtalk/ClinicApp/pkg/metrics"
	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/media"
	"github.com/navtalk/ClinicApp/pkg/realtime/protocol"
	"github.com/navtalk/ClinicApp/pkg/realtime/signaling"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/navtalk/ClinicApp/pkg/stores"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	t     *testing.T
	c     *Controller
	src   *fakeSource
	bus   *events.Bus
	repo  *records.TranscriptRepository
	order *orderLog

	mu       sync.Mutex
	channels []*fakeChannel
	negs     []*fakeNegotiator
	states   []webrtcStateFn
	openErr  error
	gate     chan struct{}
	errors   []map[string]any
}

type webrtcStateFn func(webrtc.PeerConnectionState)

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		bus:   events.NewBus(zap.NewNop()),
		order: &orderLog{},
		repo:  records.NewTranscriptRepository(stores.NewMemoryKV(0), zap.NewNop()),
	}
	h.src = &fakeSource{order: h.order}
	h.bus.Subscribe(events.TopicSessionError, func(e events.Event) error {
		h.mu.Lock()
		h.errors = append(h.errors, e.Data)
		h.mu.Unlock()
		return nil
	})

	opts := Options{
		Config: Config{
			License:      "lic-1",
			Character:    "navtalk.Leo",
			Voice:        "verse",
			SystemPrompt: "You are a clinic assistant.",
			HangupDelay:  50 * time.Millisecond,
		},
		Channels: func(id string) (signaling.Channel, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			ch := &fakeChannel{id: id, openErr: h.openErr, gate: h.gate, order: h.order, settle: h.settle}
			h.channels = append(h.channels, ch)
			return ch, nil
		},
		Negotiators: func(_ media.Sender, onState func(webrtc.PeerConnectionState)) (Negotiator, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			n := &fakeNegotiator{order: h.order}
			h.negs = append(h.negs, n)
			h.states = append(h.states, onState)
			return n, nil
		},
		Source:      h.src,
		Transcripts: h.repo,
		Bus:         h.bus,
		Metrics:     metrics.NewMetrics("test"),
		Logger:      zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) channel() *fakeChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.channels)
	return h.channels[len(h.channels)-1]
}

func (h *harness) negotiator() *fakeNegotiator {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.negs)
	return h.negs[len(h.negs)-1]
}

func (h *harness) channelCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels)
}

func (h *harness) surfaced() []map[string]any {
	h.bus.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]map[string]any{}, h.errors...)
}

// started 启动并完成到 session.updated
func (h *harness) started() *fakeChannel {
	require.NoError(h.t, h.c.Start(context.Background()))
	ch := h.channel()
	ch.deliver(protocol.SessionCreated{})
	ch.deliver(protocol.SessionUpdated{})
	h.settle()
	return ch
}

// settle 事件循环屏障：do 排在已投递的消息之后执行
func (h *harness) settle() {
	_ = h.c.Snapshot()
}

func TestStartWithoutLicenseFailsFast(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Config.License = "  " })

	err := h.c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingLicense)
	assert.Equal(t, errhandler.KindConfiguration, errhandler.KindOf(err))
	assert.Equal(t, 0, h.channelCount())
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	require.Len(t, h.surfaced(), 1)
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.c.Start(context.Background()))
	snap := h.c.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.NotEmpty(t, snap.SessionID)

	require.NoError(t, h.c.Start(context.Background()))
	assert.Equal(t, 1, h.channelCount(), "start while active is a no-op")

	require.NoError(t, h.c.Stop())
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	assert.Equal(t, 1, h.channel().closeCount())
	_, _, closes := h.negotiator().counts()
	assert.Equal(t, 1, closes)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.started()
	require.Eventually(t, func() bool { return h.c.Snapshot().Capturing }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Stop())
	require.NoError(t, h.c.Stop())

	assert.Equal(t, []string{"audio", "media", "signaling"}, h.order.list())
	assert.Equal(t, 1, h.channel().closeCount())
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
}

func TestOpenFailureTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.openErr = errors.New("dial tcp: connection refused")

	err := h.c.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errhandler.KindTransport, errhandler.KindOf(err))
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	assert.Equal(t, 1, h.channel().closeCount())

	errs := h.surfaced()
	require.Len(t, errs, 1)
	assert.Equal(t, errhandler.UserMessage(err), errs[0]["message"])
}

func TestStopWhileConnectingAbortsStart(t *testing.T) {
	h := newHarness(t, nil)
	h.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return h.c.Snapshot().State == StateConnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.Stop())
	close(h.gate)
	assert.ErrorIs(t, <-done, ErrAborted)
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
}

func TestRepeatedStartStopHoldsOneOfEachResource(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 5; i++ {
		h.started()
		require.Eventually(t, func() bool { return h.c.Snapshot().Capturing }, time.Second, 5*time.Millisecond)
		_, live := h.src.stats()
		assert.Equal(t, 1, live)

		open := 0
		h.mu.Lock()
		for _, ch := range h.channels {
			if ch.closeCount() == 0 {
				open++
			}
		}
		h.mu.Unlock()
		assert.Equal(t, 1, open)

		require.NoError(t, h.c.Stop())
		_, live = h.src.stats()
		assert.Equal(t, 0, live)
	}
	assert.Equal(t, 5, h.channelCount())
}

func TestToggle(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Toggle(context.Background()))
	assert.Equal(t, StateActive, h.c.Snapshot().State)
	require.NoError(t, h.c.Toggle(context.Background()))
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
}

func TestUnexpectedCloseWhileActiveIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()

	ch.drop(errors.New("websocket: close 1006"))
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	errs := h.surfaced()
	require.Len(t, errs, 1)
	assert.Equal(t, "transport", errs[0]["kind"])
}

func TestCloseAfterStopIsSilent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.Start(context.Background()))
	ch := h.channel()
	var onClose func(error)
	ch.mu.Lock()
	onClose = ch.onClose
	ch.mu.Unlock()

	require.NoError(t, h.c.Stop())
	onClose(errors.New("late close"))
	assert.Equal(t, StateIdle, h.c.Snapshot().State)
	assert.Empty(t, h.surfaced())
}

func TestMicrophoneToggleOnlyAffectsCapture(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	require.Eventually(t, func() bool { return h.c.Snapshot().Capturing }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.c.SetMicrophone(false))
	assert.False(t, h.c.MicrophoneEnabled())
	snap := h.c.Snapshot()
	assert.False(t, snap.Capturing)
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, 0, ch.closeCount())
	_, _, closes := h.negotiator().counts()
	assert.Equal(t, 0, closes)

	require.NoError(t, h.c.SetMicrophone(true))
	require.Eventually(t, func() bool { return h.c.Snapshot().Capturing }, time.Second, 5*time.Millisecond)
	opens, live := h.src.stats()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, live)
}

func TestMicrophoneDisabledSkipsCapture(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.c.SetMicrophone(false))
	h.started()
	time.Sleep(30 * time.Millisecond)
	opens, _ := h.src.stats()
	assert.Equal(t, 0, opens)
	assert.False(t, h.c.Snapshot().Capturing)
}

func TestMicrophoneDeniedIsSurfacedAndSessionContinues(t *testing.T) {
	h := newHarness(t, nil)
	h.src.openErr = errors.New("permission denied")
	h.started()

	require.Eventually(t, func() bool { return len(h.surfaced()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "resource", h.surfaced()[0]["kind"])
	assert.Equal(t, StateActive, h.c.Snapshot().State)
}

func TestCapturedAudioIsChunkedInOrder(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	require.Eventually(t, func() bool { return h.c.Snapshot().Capturing }, time.Second, 5*time.Millisecond)

	frame := make([]float32, audio4096)
	for i := range frame {
		frame[i] = 0.25
	}
	h.src.push(frame)

	appends := ch.messages(protocol.TypeAudioAppend)
	require.Len(t, appends, 3)
	for _, m := range appends {
		chunk := m.Data.(map[string]string)["audio"]
		assert.LessOrEqual(t, len(chunk), 4096)
	}
}

const audio4096 = 4096

func TestSendTextRequiresActiveSession(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.c.SendText("hello"), ErrNotActive)

	ch := h.started()
	assert.ErrorIs(t, h.c.SendText("   "), ErrEmptyMessage)
	require.NoError(t, h.c.SendText("I have a fever"))

	types := ch.types()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, []protocol.MessageType{protocol.TypeConversationCreate, protocol.TypeResponseCreate}, types[len(types)-2:])

	tr := h.c.Transcript()
	require.Len(t, tr, 1)
	assert.Equal(t, records.RoleUser, tr[0].Role)
	assert.Len(t, h.repo.Load(context.Background()), 1)
}

func TestSendImage(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	require.NoError(t, h.c.SendImage("", []byte{0xff, 0xd8}))
	items := ch.messages(protocol.TypeConversationCreate)
	require.Len(t, items, 1)
	item := items[0].Data.(map[string]protocol.ConversationItem)["item"]
	assert.Equal(t, "input_image", item.Content[0].Type)
	assert.Contains(t, item.Content[0].ImageURL, "data:image/jpeg;base64,")
	assert.Empty(t, h.c.Transcript())
}

func TestClearTranscript(t *testing.T) {
	h := newHarness(t, nil)
	h.started()
	require.NoError(t, h.c.SendText("hello"))
	require.NoError(t, h.c.ClearTranscript())
	assert.Empty(t, h.c.Transcript())
	assert.Empty(t, h.repo.Load(context.Background()))
}

func TestMediaStateChanges(t *testing.T) {
	h := newHarness(t, nil)
	h.started()
	var connected sync.WaitGroup
	connected.Add(1)
	var once sync.Once
	h.bus.Subscribe(events.TopicMediaConnected, func(events.Event) error {
		once.Do(connected.Done)
		return nil
	})

	h.mu.Lock()
	onState := h.states[len(h.states)-1]
	h.mu.Unlock()
	onState(webrtc.PeerConnectionStateConnected)
	onState(webrtc.PeerConnectionStateFailed)
	connected.Wait()

	require.Eventually(t, func() bool { return len(h.surfaced()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "negotiation", h.surfaced()[0]["kind"])
	assert.Equal(t, StateActive, h.c.Snapshot().State)
}

func TestCloseStopsSession(t *testing.T) {
	h := newHarness(t, nil)
	ch := h.started()
	require.NoError(t, h.c.Close())
	assert.Equal(t, 1, ch.closeCount())
	assert.ErrorIs(t, h.c.Start(context.Background()), ErrClosed)
}

func TestNewRequiresFactories(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
