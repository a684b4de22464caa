package handlers

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/navtalk/ClinicApp/pkg/devices"
	"github.com/navtalk/ClinicApp/pkg/metrics"
	"github.com/navtalk/ClinicApp/pkg/realtime/errhandler"
	"github.com/navtalk/ClinicApp/pkg/realtime/session"
	"github.com/navtalk/ClinicApp/pkg/records"
	"github.com/navtalk/ClinicApp/pkg/stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSession struct {
	mu       sync.Mutex
	state    session.State
	mic      bool
	texts    []string
	entries  []records.Entry
	startErr error
}

func (f *fakeSession) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.state = session.StateActive
	return nil
}

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = session.StateIdle
	return nil
}

func (f *fakeSession) Toggle(ctx context.Context) error {
	f.mu.Lock()
	active := f.state == session.StateActive
	f.mu.Unlock()
	if active {
		return f.Stop()
	}
	return f.Start(ctx)
}

func (f *fakeSession) SetMicrophone(enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mic = enabled
	return nil
}

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != session.StateActive {
		return session.ErrNotActive
	}
	f.texts = append(f.texts, text)
	f.entries = append(f.entries, records.NewEntry(records.RoleUser, text))
	return nil
}

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.state
	if state == "" {
		state = session.StateIdle
	}
	return session.Snapshot{State: state, Microphone: f.mic, TranscriptLength: len(f.entries)}
}

func (f *fakeSession) Transcript() []records.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]records.Entry(nil), f.entries...)
}

func (f *fakeSession) ClearTranscript() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = nil
	return nil
}

type fixture struct {
	engine  *gin.Engine
	session *fakeSession
	intake  *records.IntakeRepository
	uploads string
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	logger := zap.NewNop()
	uploads := t.TempDir()
	m := metrics.NewMetrics("clinic")
	f := &fixture{
		session: &fakeSession{},
		intake:  records.NewIntakeRepository(stores.NewMemoryKV(0), logger),
		uploads: uploads,
	}
	opts := Options{
		Session: f.session,
		Intake:  f.intake,
		Files:   stores.NewLocalStore(uploads),
		Metrics: m,
		Monitor: metrics.NewSystemMonitor(m, 0, logger),
		Logger:  logger,
		ListDevices: func() ([]devices.DeviceInfo, error) {
			return []devices.DeviceInfo{{Kind: "capture", Name: "Built-in Mic", IsDefault: true}}, nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.engine = gin.New()
	NewHandlers(opts).Register(f.engine)
	return f
}

type reply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data"`
}

func (f *fixture) call(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, reply) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	var r reply
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &r))
	}
	return w, r
}

func TestSessionLifecycleRoutes(t *testing.T) {
	f := newFixture(t, nil)

	w, r := f.call(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", r.Data.(map[string]any)["state"])

	w, r = f.call(t, http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", r.Data.(map[string]any)["state"])

	w, _ = f.call(t, http.MethodPost, "/api/session/text", `{"text":"I have a headache"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"I have a headache"}, f.session.texts)

	w, r = f.call(t, http.MethodGet, "/api/transcript", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, r.Data, 1)

	w, _ = f.call(t, http.MethodDelete, "/api/transcript", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.session.Transcript())

	w, r = f.call(t, http.MethodPost, "/api/session/toggle", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "idle", r.Data.(map[string]any)["state"])

	w, _ = f.call(t, http.MethodPost, "/api/session/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSendTextWhenIdleIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	w, r := f.call(t, http.MethodPost, "/api/session/text", `{"text":"hello"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Failed to send message", r.Msg)

	w, _ = f.call(t, http.MethodPost, "/api/session/text", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"missing license", errhandler.Configuration("session", "missing license", session.ErrMissingLicense), http.StatusBadRequest},
		{"transport", errhandler.Transport("session", "unable to start", errors.New("dial refused")), http.StatusBadGateway},
		{"aborted", session.ErrAborted, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.session.startErr = tc.err
			w, r := f.call(t, http.MethodPost, "/api/session/start", "")
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, "Failed to start session", r.Msg)
		})
	}
}

func TestMicrophoneRoute(t *testing.T) {
	f := newFixture(t, nil)

	w, r := f.call(t, http.MethodPost, "/api/session/microphone", `{"enabled":true}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, r.Data.(map[string]any)["microphone"])

	w, r = f.call(t, http.MethodPost, "/api/session/microphone", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, r.Data.(map[string]any)["microphone"])

	w, _ = f.call(t, http.MethodPost, "/api/session/microphone", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntakeMerge(t *testing.T) {
	f := newFixture(t, nil)

	w, r := f.call(t, http.MethodGet, "/api/intake", "")
	require.Equal(t, http.StatusOK, w.Code)
	fields := r.Data.(map[string]any)["fields"].(map[string]any)
	assert.Contains(t, fields, "chiefComplaint")

	w, _ = f.call(t, http.MethodPut, "/api/intake",
		`{"fullName":"Ada","emergencyContact":{"phone":"555-0100"}}`)
	require.Equal(t, http.StatusOK, w.Code)

	form := f.intake.Load(context.Background())
	assert.Equal(t, "Ada", form.Fields["fullName"])
	contact := form.Fields["emergencyContact"].(map[string]any)
	assert.Equal(t, "555-0100", contact["phone"])
	assert.Contains(t, contact, "relation")

	w, _ = f.call(t, http.MethodPut, "/api/intake", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func upload(t *testing.T, f *fixture, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, content := range files {
		part, err := mw.CreateFormFile(attachmentField, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/intake/attachments", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func TestAttachmentsReplaceList(t *testing.T) {
	f := newFixture(t, nil)

	w := upload(t, f, map[string]string{"a.pdf": "first", "b.png": "second"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	form := f.intake.Load(context.Background())
	require.Len(t, form.Attachments, 2)

	w = upload(t, f, map[string]string{"../../c.txt": "third!"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	form = f.intake.Load(context.Background())
	require.Len(t, form.Attachments, 1)
	att := form.Attachments[0]
	assert.Equal(t, "c.txt", att.Name)
	assert.Equal(t, int64(6), att.Size)
	assert.True(t, strings.HasPrefix(att.URL, "/uploads/attachments/"))

	data, err := os.ReadFile(filepath.Join(f.uploads, strings.TrimPrefix(att.URL, "/uploads/")))
	require.NoError(t, err)
	assert.Equal(t, "third!", string(data))

	// 已上传文件可通过静态路径访问
	req := httptest.NewRequest(http.MethodGet, att.URL, nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "third!", rec.Body.String())
}

func TestSystemRoutes(t *testing.T) {
	f := newFixture(t, nil)

	w, r := f.call(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := r.Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Contains(t, data, "system")

	w, r = f.call(t, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, r.Data, 1)

	f.call(t, http.MethodGet, "/api/session", "")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `clinic_http_requests_total{method="GET",path="/api/session",status="200"} 1`)
}

func TestDevicesUnavailable(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.ListDevices = func() ([]devices.DeviceInfo, error) { return nil, errors.New("no backend") }
	})
	w, _ := f.call(t, http.MethodGet, "/api/devices", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLocalOnlyAndRateLimit(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.LocalOnly = true
		o.RateLimit = "2-M"
	})

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w1, _ := f.call(t, http.MethodGet, "/api/session", "")
	w2, _ := f.call(t, http.MethodGet, "/api/session", "")
	w3, _ := f.call(t, http.MethodGet, "/api/session", "")
	assert.Equal(t, http.StatusOK, w1.Code)
	assert.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, http.StatusTooManyRequests, w3.Code)
}
