package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dormoron/aegis/internal/authtest"
	"github.com/dormoron/aegis/internal/errs"
	"github.com/dormoron/aegis/observability/logging"
	"github.com/dormoron/aegis/observability/metrics"
)

func newClient(t *testing.T, url string, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{BaseURL: url, Logger: logging.NewNopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func respond(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClient_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "wrong code with attempts",
			status: http.StatusUnauthorized,
			body:   `{"error":"invalid code","attempts_remaining":3}`,
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsAuth(err))
				n, ok := errs.AttemptsRemaining(err)
				require.True(t, ok)
				assert.Equal(t, 3, n)
			},
		},
		{
			name:   "auth without attempts",
			status: http.StatusBadRequest,
			body:   `{"error":"bad request"}`,
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsAuth(err))
				_, ok := errs.AttemptsRemaining(err)
				assert.False(t, ok)
			},
		},
		{
			name:   "blocked flag",
			status: http.StatusForbidden,
			body:   `{"error":"too many attempts","blocked":true}`,
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsLockout(err))
			},
		},
		{
			name:   "locked status",
			status: http.StatusLocked,
			body:   `{}`,
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsLockout(err))
			},
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"error":"slow down","retry_after":20}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, errs.ErrCooldown)
				d, ok := errs.RetryAfter(err)
				require.True(t, ok)
				assert.Equal(t, 20*time.Second, d)
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `not json`,
			check: func(t *testing.T, err error) {
				assert.True(t, errs.IsNetwork(err))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(respond(tc.status, tc.body))
			defer srv.Close()

			_, err := newClient(t, srv.URL).VerifyMFA(context.Background(), "u1", "123456")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestClient_MalformedResponses(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<html>`},
		{name: "missing token", body: `{"user":{"id":"u1"}}`},
		{name: "missing user", body: `{"access_token":"a.b.c"}`},
		{name: "malformed token", body: `{"access_token":"abc","user":{"id":"u1"}}`},
		{name: "user without id", body: `{"access_token":"a.b.c","user":{"name":"x"}}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(respond(http.StatusOK, tc.body))
			defer srv.Close()

			_, err := newClient(t, srv.URL).VerifyMFA(context.Background(), "u1", "123456")
			assert.True(t, errs.IsNetwork(err))
		})
	}
}

func TestClient_LoginMFARequiredWithoutUser(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusOK, `{"mfa_required":true}`))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Login(context.Background(), "a@example.com", "pw")
	assert.True(t, errs.IsNetwork(err))
}

func TestClient_RequestShape(t *testing.T) {
	var got struct {
		path   string
		auth   string
		ctype  string
		method string
		body   map[string]string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		got.ctype = r.Header.Get("Content-Type")
		got.method = r.Method
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		respond(http.StatusOK, `{"backup_codes":["ABCD2345"]}`)(w, r)
	}))
	defer srv.Close()

	codes, err := newClient(t, srv.URL+"/").RegenerateBackupCodes(context.Background(), "tok.en.x")
	require.NoError(t, err)
	assert.Equal(t, []string{"ABCD2345"}, codes)
	assert.Equal(t, EndpointRegenerate, got.path)
	assert.Equal(t, "Bearer tok.en.x", got.auth)
	assert.Equal(t, "application/json", got.ctype)
	assert.Equal(t, http.MethodPost, got.method)
}

func TestClient_Timeout(t *testing.T) {
	srv := authtest.NewServer()
	defer srv.Close()
	srv.Delay = 200 * time.Millisecond

	c := newClient(t, srv.URL, func(cfg *Config) { cfg.Timeout = 20 * time.Millisecond })
	start := time.Now()
	_, err := c.Login(context.Background(), "a@example.com", "pw")
	require.Error(t, err)
	assert.True(t, errs.IsNetwork(err))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, 1, srv.Calls(EndpointLogin), "不自动重试")
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(respond(http.StatusOK, `{}`))
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).ResendCode(context.Background(), "a@example.com")
	assert.True(t, errs.IsNetwork(err))
}

func TestClient_AgainstFakeService(t *testing.T) {
	ctx := context.Background()
	srv := authtest.NewServer()
	defer srv.Close()
	srv.AddUser(authtest.User{ID: "u1", Name: "Ada", Email: "ada@example.com", Password: "pw", MFAEnabled: true})

	m := metrics.New(metrics.DefaultConfig())
	c := newClient(t, srv.URL, func(cfg *Config) { cfg.Metrics = m })

	resp, err := c.Login(ctx, "ada@example.com", "pw")
	require.NoError(t, err)
	assert.True(t, resp.MFARequired)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, authtest.DefaultCodeTTL, resp.ExpiresIn)
	assert.Equal(t, authtest.DefaultMaxAttempts, resp.AttemptsRemaining)

	s, err := c.VerifyMFA(ctx, "u1", srv.CurrentCode("u1"))
	require.NoError(t, err)
	assert.Equal(t, "u1", s.User.ID)

	_, err = c.Login(ctx, "ada@example.com", "wrong")
	assert.True(t, errs.IsAuth(err))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCounter.WithLabelValues(EndpointLogin, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCounter.WithLabelValues(EndpointLogin, "auth_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCounter.WithLabelValues(EndpointVerifyMFA, "ok")))
}

func TestClient_RecordsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	srv := httptest.NewServer(respond(http.StatusUnauthorized, `{"error":"invalid credentials"}`))
	defer srv.Close()

	c := newClient(t, srv.URL, func(cfg *Config) { cfg.Tracer = tp.Tracer("test") })
	_, err := c.Login(context.Background(), "a@example.com", "pw")
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "auth"+EndpointLogin, spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}
