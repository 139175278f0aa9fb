package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-autotap/src/apperrors"
	"quiz-autotap/src/logutil"
	"quiz-autotap/src/pipeline"
)

type fakeController struct {
	mu       sync.Mutex
	running  bool
	token    string
	gotToken string
	startErr error
}

func (f *fakeController) Start(ctx context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotToken = token
	if f.startErr != nil {
		return f.startErr
	}
	if f.token != "" && token != f.token {
		return apperrors.NewUnauthorized("capture authorization rejected", nil)
	}
	if f.running {
		return apperrors.NewInvalidState("capture already running")
	}
	f.running = true
	return nil
}

func (f *fakeController) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return apperrors.NewInvalidState("capture is not running")
	}
	f.running = false
	return nil
}

func (f *fakeController) Status() pipeline.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return pipeline.Status{State: pipeline.StateCapturing, Mode: "oneshot"}
	}
	return pipeline.Status{State: pipeline.StateIdle, Mode: "oneshot"}
}

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h := NewHandler(&fakeController{}, logutil.Discard())
	w := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"available"`)
}

func TestStartStopStatus(t *testing.T) {
	ctrl := &fakeController{token: "secret"}
	h := NewHandler(ctrl, logutil.Discard())

	w := do(t, h, http.MethodPost, "/v1/capture/start", `{"token":"secret"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var st pipeline.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, pipeline.StateCapturing, st.State)
	assert.Equal(t, "secret", ctrl.gotToken)

	w = do(t, h, http.MethodGet, "/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"capturing"`)

	w = do(t, h, http.MethodPost, "/v1/capture/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"idle"`)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		ctrl     *fakeController
		path     string
		body     string
		wantCode int
		wantKind string
	}{
		{"stop while idle", &fakeController{}, "/v1/capture/stop", "", http.StatusConflict, "invalid_state"},
		{"start twice", &fakeController{running: true}, "/v1/capture/start", "", http.StatusConflict, "invalid_state"},
		{"bad token", &fakeController{token: "secret"}, "/v1/capture/start", `{"token":"nope"}`, http.StatusUnauthorized, "unauthorized"},
		{"no injector", &fakeController{startErr: apperrors.NewInjectorUnavailable("input injection is not available", nil)},
			"/v1/capture/start", "", http.StatusServiceUnavailable, "injector_unavailable"},
		{"malformed body", &fakeController{}, "/v1/capture/start", `{"token":`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, NewHandler(tt.ctrl, logutil.Discard()), http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- serve(ctx, ln, &fakeController{}, logutil.Discard()) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
