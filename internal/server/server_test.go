package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castella/castella/internal/allocator"
	"github.com/castella/castella/internal/auth"
	"github.com/castella/castella/internal/backend/memory"
	"github.com/castella/castella/internal/catalog"
	"github.com/castella/castella/internal/codec"
	"github.com/castella/castella/internal/governor"
	"github.com/castella/castella/internal/logging/audit"
	"github.com/castella/castella/internal/metrics"
	"github.com/castella/castella/internal/retry"
	"github.com/castella/castella/internal/transfer"
	"github.com/castella/castella/pkg/bytesize"
	"github.com/castella/castella/pkg/proto"
	"github.com/castella/castella/testutil"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var fastRetry = retry.Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testServer struct {
	srv      *Server
	cat      *catalog.Catalog
	mem      *memory.Backend
	tokens   *auth.Tokens
	auditLog *syncBuffer
	admin    string
	rw       string
	reader   string
}

type testConfig struct {
	maxUpload    bytesize.Size
	authDisabled bool
}

func newTestServer(t *testing.T, tc testConfig) *testServer {
	t.Helper()

	cat := testutil.Catalog(t)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	gov, err := governor.New(governor.Config{
		Requests: governor.Limit{Amount: 1_000_000, Period: time.Second},
		Bytes:    governor.Limit{Amount: 1 << 40, Period: time.Second},
	}, governor.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(gov.Close)

	log := zerolog.Nop()
	mem := memory.New(100)
	gv := transfer.NewGoverned(mem, gov, fastRetry, log, m)
	alloc := allocator.New(cat, gv, allocator.Config{MaxFilesPerDrive: 100, Retry: fastRetry}, log, m)
	sealer, err := codec.NewSealer(bytes.Repeat([]byte{3}, codec.MasterKeySize))
	require.NoError(t, err)
	purge := transfer.NewPurgeQueue(gv, transfer.PurgeConfig{}, clockwork.NewFakeClock(), log, m)

	auditLog := &syncBuffer{}
	al := audit.NewLogger(zerolog.New(auditLog))
	svc := transfer.New(transfer.Deps{
		Catalog:   cat,
		Allocator: alloc,
		Backend:   gv,
		Sealer:    sealer,
		Purge:     purge,
		Audit:     al,
		Log:       log,
		Metrics:   m,
	}, transfer.Config{
		SegmentSize:   64,
		MaxUploadSize: tc.maxUpload,
		Retry:         fastRetry,
	})

	ts := &testServer{cat: cat, mem: mem, auditLog: auditLog}
	deps := Deps{Service: svc, Audit: al, Metrics: m, Gatherer: reg, Log: log, Version: "test"}
	if !tc.authDisabled {
		ts.tokens, err = auth.NewTokens(bytes.Repeat([]byte("k"), auth.MinSecretSize), "", nil)
		require.NoError(t, err)
		deps.Tokens = ts.tokens
		ts.admin = ts.issue(t, auth.ScopeAdmin)
		ts.rw = ts.issue(t, auth.ScopeRead, auth.ScopeWrite)
		ts.reader = ts.issue(t, auth.ScopeRead)
	}

	ts.srv, err = New(Config{AuthDisabled: tc.authDisabled}, deps)
	require.NoError(t, err)
	return ts
}

func (ts *testServer) issue(t *testing.T, scopes ...string) string {
	t.Helper()
	token, _, err := ts.tokens.Issue("tester", scopes, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, data []byte) proto.FileResponse {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/", ts.rw, bytes.NewReader(data), "Content-Type", "image/png")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[proto.FileResponse](t, rec)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNewRequiresAuth(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrNoAuth)
}

func TestBannerAndHealth(t *testing.T) {
	ts := newTestServer(t, testConfig{})

	rec := ts.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Banner, rec.Body.String())
	assert.Equal(t, "castella", rec.Header().Get("Server"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proto.HealthResponse{Status: "ok", Version: "test"}, decode[proto.HealthResponse](t, rec))
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	rec := ts.do(t, http.MethodGet, "/", "", nil, "X-Request-Id", "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, testConfig{})

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"read scope on upload", "Bearer " + ts.reader, http.StatusForbidden},
		{"write scope", "Bearer " + ts.rw, http.StatusCreated},
		{"admin scope", "bearer " + ts.admin, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			ts.srv.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, `Bearer realm="castella"`, rec.Header().Get("WWW-Authenticate"))
			}
			if tt.status >= 400 {
				resp := decode[proto.ErrorResponse](t, rec)
				assert.True(t, resp.Error)
				assert.Equal(t, tt.status, resp.Status)
				assert.NotEmpty(t, resp.Message)
			}
		})
	}

	assert.Contains(t, ts.auditLog.String(), `"event_type":"auth"`)
	assert.Contains(t, ts.auditLog.String(), `"result":"denied"`)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	for _, path := range []string{"/files", "/drives", "/stats"} {
		assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, path, ts.rw, nil).Code, path)
		assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, path, ts.admin, nil).Code, path)
	}
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, "/drives/1", ts.rw, nil).Code)
}

func TestAuthDisabled(t *testing.T) {
	ts := newTestServer(t, testConfig{authDisabled: true})
	rec := ts.do(t, http.MethodPost, "/", "", strings.NewReader("open"))
	require.Equal(t, http.StatusCreated, rec.Code)
	f := decode[proto.FileResponse](t, rec)

	rec = ts.do(t, http.MethodGet, "/"+f.Key, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "open", rec.Body.String())
	assert.Contains(t, ts.auditLog.String(), `"subject":"anonymous"`)
}

func TestUploadAndDownload(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	data := testutil.RandomBytes(t, 1000)

	rec := ts.do(t, http.MethodPost, "/", ts.rw, bytes.NewReader(data), "Content-Type", "image/png")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f := decode[proto.FileResponse](t, rec)
	assert.Equal(t, "1", f.Key)
	assert.Equal(t, int64(1000), f.Size)
	assert.Equal(t, "image/png", f.ContentType)
	assert.False(t, f.CreatedTime.IsZero())
	assert.Nil(t, f.AccessedTime)
	assert.Equal(t, "/1", rec.Header().Get("Location"))

	rec = ts.do(t, http.MethodGet, "/1", ts.reader, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())

	stored, err := ts.cat.GetFile(context.Background(), 1, false)
	require.NoError(t, err)
	h := rec.Header()
	assert.Equal(t, "image/png", h.Get("Content-Type"))
	assert.Equal(t, "1000", h.Get("Content-Length"))
	assert.Equal(t, entityTag(stored.ID), h.Get("ETag"))
	assert.Equal(t, cacheControl, h.Get("Cache-Control"))
	assert.Equal(t, "bytes", h.Get("Accept-Ranges"))
	assert.Equal(t, stored.CreatedTime.UTC().Format(http.TimeFormat), h.Get("Last-Modified"))

	log := ts.auditLog.String()
	assert.Contains(t, log, `"operation":"upload"`)
	assert.Contains(t, log, `"operation":"download"`)
}

func TestUploadDefaultsContentType(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	rec := ts.do(t, http.MethodPost, "/", ts.rw, strings.NewReader("x"))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, transfer.DefaultContentType, decode[proto.FileResponse](t, rec).ContentType)
}

func TestUploadChunkedBody(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	data := testutil.RandomBytes(t, 500)

	// io.MultiReader hides the length, like a chunked request body
	req := httptest.NewRequest(http.MethodPost, "/", io.MultiReader(bytes.NewReader(data)))
	req.Header.Set("Authorization", "Bearer "+ts.rw)
	require.Equal(t, int64(-1), req.ContentLength)
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	f := decode[proto.FileResponse](t, rec)
	assert.Equal(t, int64(500), f.Size)

	rec = ts.do(t, http.MethodGet, "/"+f.Key, ts.reader, nil)
	assert.Equal(t, data, rec.Body.Bytes())
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, testConfig{maxUpload: 10})
	rec := ts.do(t, http.MethodPost, "/", ts.rw, bytes.NewReader(make([]byte, 11)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, ts.mem.Objects())
}

func TestHead(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	f := ts.upload(t, testutil.RandomBytes(t, 300))

	rec := ts.do(t, http.MethodHead, "/"+f.Key, ts.reader, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, "300", rec.Header().Get("Content-Length"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	rec = ts.do(t, http.MethodHead, "/"+f.Key, ts.reader, nil, "Range", "bytes=100-")
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "200", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes 100-299/300", rec.Header().Get("Content-Range"))
}

func TestHeadDoesNotReadBackend(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	f := ts.upload(t, testutil.RandomBytes(t, 300))
	before := ts.mem.Calls(memory.OpRead)
	ts.do(t, http.MethodHead, "/"+f.Key, ts.reader, nil)
	assert.Equal(t, before, ts.mem.Calls(memory.OpRead))
}

func TestRangeRequests(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	data := testutil.RandomBytes(t, 1000)
	f := ts.upload(t, data)

	tests := []struct {
		name         string
		header       string
		status       int
		body         []byte
		contentRange string
	}{
		{"bounded", "bytes=10-19", http.StatusPartialContent, data[10:20], "bytes 10-19/1000"},
		{"open ended", "bytes=990-", http.StatusPartialContent, data[990:], "bytes 990-999/1000"},
		{"suffix", "bytes=-5", http.StatusPartialContent, data[995:], "bytes 995-999/1000"},
		{"end clipped", "bytes=900-5000", http.StatusPartialContent, data[900:], "bytes 900-999/1000"},
		{"crosses frames", "bytes=60-200", http.StatusPartialContent, data[60:201], "bytes 60-200/1000"},
		{"multiple ignored", "bytes=0-1,5-6", http.StatusOK, data, ""},
		{"malformed ignored", "bytes=x-y", http.StatusOK, data, ""},
		{"unsatisfiable", "bytes=1000-", http.StatusRequestedRangeNotSatisfiable, nil, "bytes */1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/"+f.Key, ts.reader, nil, "Range", tt.header)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.contentRange, rec.Header().Get("Content-Range"))
			if tt.body != nil {
				assert.Equal(t, tt.body, rec.Body.Bytes())
			}
		})
	}
}

func TestIfNoneMatch(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	f := ts.upload(t, testutil.RandomBytes(t, 10))

	etag := ts.do(t, http.MethodHead, "/"+f.Key, ts.reader, nil).Header().Get("ETag")
	require.NotEmpty(t, etag)

	before := ts.mem.Calls(memory.OpRead)
	rec := ts.do(t, http.MethodGet, "/"+f.Key, ts.reader, nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
	assert.Equal(t, before, ts.mem.Calls(memory.OpRead))

	rec = ts.do(t, http.MethodGet, "/"+f.Key, ts.reader, nil, "If-None-Match", `"other"`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDownloadMissing(t *testing.T) {
	ts := newTestServer(t, testConfig{})

	for _, path := range []string{"/999", "/abc", "/0", "/-1"} {
		rec := ts.do(t, http.MethodGet, path, ts.reader, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		resp := decode[proto.ErrorResponse](t, rec)
		assert.True(t, resp.Error)
		assert.Equal(t, http.StatusNotFound, resp.Status)
	}

	rec := ts.do(t, http.MethodGet, "/999", ts.reader, nil)
	assert.Equal(t, "stat: not found", decode[proto.ErrorResponse](t, rec).Message)
}

func TestDownloadIntegrityFailureMidStreamAbortsConnection(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	data := testutil.RandomBytes(t, 300)
	f := ts.upload(t, data)
	stored, err := ts.cat.GetFile(context.Background(), 1, false)
	require.NoError(t, err)
	ts.mem.Tamper(stored.DriveID, stored.ID, func(b []byte) []byte {
		b[len(b)-1] ^= 1
		return b
	})

	hs := httptest.NewServer(ts.srv)
	defer hs.Close()

	req, err := http.NewRequest(http.MethodGet, hs.URL+"/"+f.Key, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.reader)
	resp, err := hs.Client().Do(req)
	if err == nil {
		var body []byte
		body, err = io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		assert.Less(t, len(body), len(data))
	}
	assert.Error(t, err, "a tampered file must never be delivered as a complete response")
}

func TestDelete(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	f := ts.upload(t, testutil.RandomBytes(t, 10))

	rec := ts.do(t, http.MethodDelete, "/"+f.Key, ts.reader, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/"+f.Key, ts.rw, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proto.DeleteResponse{Deleted: true}, decode[proto.DeleteResponse](t, rec))
	assert.Zero(t, ts.mem.Objects())

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/"+f.Key, ts.reader, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/"+f.Key, ts.rw, nil).Code)
	assert.Contains(t, ts.auditLog.String(), `"operation":"delete"`)
}

func TestListFiles(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	ts.upload(t, testutil.RandomBytes(t, 10))
	big := ts.upload(t, testutil.RandomBytes(t, 200))

	rec := ts.do(t, http.MethodGet, "/files?min_size=100", ts.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[proto.FileListResponse](t, rec)
	require.Len(t, list.Files, 1)
	assert.Equal(t, big.Key, list.Files[0].Key)
	assert.Equal(t, "1", list.Files[0].Drive)
	assert.Equal(t, defaultListLimit, list.Limit)

	rec = ts.do(t, http.MethodGet, "/files?limit=1&offset=1", ts.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[proto.FileListResponse](t, rec).Files, 1)

	for _, q := range []string{"limit=abc", "limit=0", "offset=-1", "min_size=huge", "drive=x", "created_after=yesterday"} {
		rec := ts.do(t, http.MethodGet, "/files?"+q, ts.admin, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestDrivesStatsAndDecommission(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	a := ts.upload(t, testutil.RandomBytes(t, 10))
	ts.upload(t, testutil.RandomBytes(t, 20))

	rec := ts.do(t, http.MethodGet, "/drives", ts.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	drives := decode[proto.DriveListResponse](t, rec).Drives
	require.Len(t, drives, 1)
	assert.Equal(t, int64(2), drives[0].Files)
	assert.Equal(t, int64(30), drives[0].Bytes)

	rec = ts.do(t, http.MethodGet, "/stats", ts.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proto.StatsResponse{Drives: 1, Files: 2, Bytes: 30}, decode[proto.StatsResponse](t, rec))

	rec = ts.do(t, http.MethodDelete, "/drives/"+drives[0].Key, ts.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, proto.DecommissionResponse{Drive: drives[0].Key, Files: 2}, decode[proto.DecommissionResponse](t, rec))
	assert.Empty(t, ts.mem.Containers())
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/"+a.Key, ts.reader, nil).Code)

	rec = ts.do(t, http.MethodDelete, "/drives/"+drives[0].Key, ts.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownRoutes(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	rec := ts.do(t, http.MethodGet, "/a/b/c", ts.reader, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, decode[proto.ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPut, "/1", ts.rw, strings.NewReader("x"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoveryAnswersJSON(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	ts.srv.engine.GET("/boom/now", func(*gin.Context) { panic("kaboom") })

	rec := ts.do(t, http.MethodGet, "/boom/now", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode[proto.ErrorResponse](t, rec).Message)
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	ts.do(t, http.MethodGet, "/", "", nil)

	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `castella_http_requests_total{method="GET",route="/",status="200"} 1`)
}

func TestStatusFor(t *testing.T) {
	tests := map[transfer.Kind]int{
		transfer.KindNotFound:          http.StatusNotFound,
		transfer.KindInvalid:           http.StatusBadRequest,
		transfer.KindTooLarge:          http.StatusRequestEntityTooLarge,
		transfer.KindCapacityExhausted: http.StatusInsufficientStorage,
		transfer.KindConflict:          http.StatusServiceUnavailable,
		transfer.KindRateLimited:       http.StatusServiceUnavailable,
		transfer.KindUnavailable:       http.StatusServiceUnavailable,
		transfer.KindAuth:              http.StatusBadGateway,
		transfer.KindIntegrity:         http.StatusInternalServerError,
		transfer.KindTruncated:         http.StatusInternalServerError,
		transfer.KindInternal:          http.StatusInternalServerError,
		transfer.KindCanceled:          499,
	}
	for kind, want := range tests {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ts := newTestServer(t, testConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
