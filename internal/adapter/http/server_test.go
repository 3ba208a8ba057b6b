package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/adapter/blobstore"
	httpadapter "github.com/couchcryptid/crop-report-service/internal/adapter/http"
	"github.com/couchcryptid/crop-report-service/internal/adapter/memory"
	wsadapter "github.com/couchcryptid/crop-report-service/internal/adapter/websocket"
	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/hub"
	"github.com/couchcryptid/crop-report-service/internal/observability"
	"github.com/couchcryptid/crop-report-service/internal/pipeline"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxUpload = 1 << 20

var uploadTime = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv    *httpadapter.Server
	hub    *hub.Hub
	ledger *memory.Ledger
}

// newTestEnv wires the real ingestion path over an in-memory ledger and a
// temporary upload directory.
func newTestEnv(t *testing.T, origins []string) *testEnv {
	t.Helper()
	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()

	blobs, err := blobstore.New(filepath.Join(t.TempDir(), "uploads"), clockwork.NewFakeClockAt(uploadTime))
	require.NoError(t, err)
	ledger := memory.New()
	h := hub.New(logger, metrics)
	t.Cleanup(func() { _ = h.Close() })

	ingestor := pipeline.New(ledger, blobs, h, nil, logger, metrics, time.Second)
	live := wsadapter.NewHandler(h, 8, origins, logger)
	srv := httpadapter.NewServer(":0", ingestor, blobs, live,
		httpadapter.Options{MaxUploadBytes: maxUpload, AllowedOrigins: origins}, logger)
	return &testEnv{srv: srv, hub: h, ledger: ledger}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, metadata string, imageName string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("metadata", metadata))
	if imageName != "" {
		fw, err := mw.CreateFormFile("image", imageName)
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Record  json.RawMessage `json:"record"`
	Data    json.RawMessage `json:"data"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

// pngBytes is a minimal PNG signature so content sniffing has something to find.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

const leafMetadata = `{"timestamp":"2024-06-01T09:59:00Z","location":{"lat":18.04,"lon":78.26},"crop_detection":"wheat","disease_detection":"rust","pesticide_recommendation":"Propiconazole"}`

// --- health ---

func TestRootReturnsText(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "running")
}

func TestHealthzReturns200(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := httpadapter.NewServer(":0", &stubIngestor{readyErr: errors.New("report ledger unreachable")}, nil, nil,
		httpadapter.Options{MaxUploadBytes: maxUpload}, discardLogger())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "report ledger unreachable", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

// --- upload and latest ---

func TestLatestBeforeAnyUpload(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/data/latest", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "null", string(env.Data))
	assert.Equal(t, "no data yet", env.Message)
}

func TestUploadWithImageThenLatestThenImage(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(multipartRequest(t, leafMetadata, "leaf.png", pngBytes))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decode(t, rec)
	assert.Equal(t, "success", env.Status)

	var record map[string]any
	require.NoError(t, json.Unmarshal(env.Record, &record))
	assert.NotEmpty(t, record["id"])
	assert.Equal(t, "2024-06-01T09:59:00Z", record["timestamp"])
	assert.Equal(t, "wheat", record["crop_detection"])
	assert.Equal(t, "rust", record["disease_detection"])
	assert.Equal(t, "Propiconazole", record["pesticide_recommendation"])
	assert.Equal(t, "/uploads/1717236000000_leaf.png", record["image_path"])
	assert.Equal(t, map[string]any{"lat": 18.04, "lon": 78.26}, record["location"])

	rec = e.do(httptest.NewRequest(http.MethodGet, "/api/data/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var latest map[string]any
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &latest))
	assert.Equal(t, record, latest)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/uploads/1717236000000_leaf.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, pngBytes, rec.Body.Bytes())
}

func TestUploadWithoutImage(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(multipartRequest(t, `{"crop_detection":"rice"}`, "", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var record map[string]any
	require.NoError(t, json.Unmarshal(decode(t, rec).Record, &record))
	assert.Equal(t, "rice", record["crop_detection"])
	assert.NotContains(t, record, "image_path")
	assert.NotContains(t, record, "disease_detection")
	assert.NotContains(t, record, "location")
	assert.NotEmpty(t, record["timestamp"], "timestamp defaults to ingestion time")
}

func TestUploadJSONBody(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader(leafMetadata))
	req.Header.Set("Content-Type", "application/json")

	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, e.ledger.Len())
}

func TestUploadMalformedMetadata(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(multipartRequest(t, `{"crop_detection": "wheat"`, "leaf.png", pngBytes))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "unexpected end of JSON input", env.Message)
	assert.Zero(t, e.ledger.Len())
}

func TestUploadMissingMetadata(t *testing.T) {
	e := newTestEnv(t, nil)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := e.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "error", decode(t, rec).Status)
}

func TestUploadInvalidLocation(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(multipartRequest(t, `{"location":{"lat":"18.04","lon":78.26}}`, "", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "error", env.Status)
	assert.Contains(t, env.Message, "location.lat")
	assert.Zero(t, e.ledger.Len())
}

func TestUploadOutOfRangeTimestampLeavesLatestReadable(t *testing.T) {
	e := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, e.do(multipartRequest(t, leafMetadata, "", nil)).Code)

	for _, md := range []string{
		`{"timestamp":1e15,"crop_detection":"wheat"}`,
		`{"timestamp":"0999-06-01T00:00:00Z","crop_detection":"wheat"}`,
	} {
		rec := e.do(multipartRequest(t, md, "", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, md)
		assert.Contains(t, decode(t, rec).Message, "timestamp")
	}
	assert.Equal(t, 1, e.ledger.Len())

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/data/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var latest map[string]any
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &latest))
	assert.Equal(t, "2024-06-01T09:59:00Z", latest["timestamp"])
}

func TestUploadTooLarge(t *testing.T) {
	e := newTestEnv(t, nil)

	rec := e.do(multipartRequest(t, leafMetadata, "huge.jpg", bytes.Repeat([]byte{0xff}, maxUpload+1)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, e.ledger.Len())
}

func TestUploadUnsupportedContentType(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", strings.NewReader("crop=wheat"))
	req.Header.Set("Content-Type", "text/plain")

	rec := e.do(req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestUploadStorageFailureHidesDetails(t *testing.T) {
	stub := &stubIngestor{ingestErr: &domain.StorageError{Op: "store image", Err: errors.New("open /srv/uploads/x: permission denied")}}
	srv := httpadapter.NewServer(":0", stub, nil, nil, httpadapter.Options{MaxUploadBytes: maxUpload}, discardLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, multipartRequest(t, leafMetadata, "leaf.png", pngBytes))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "store image failed", env.Message)
	assert.NotContains(t, rec.Body.String(), "/srv/uploads")
}

func TestLatestStorageFailure(t *testing.T) {
	stub := &stubIngestor{latestErr: &domain.StorageError{Op: "read latest report", Err: errors.New("dial tcp: refused")}}
	srv := httpadapter.NewServer(":0", stub, nil, nil, httpadapter.Options{}, discardLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data/latest", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "read latest report failed", decode(t, rec).Message)
}

func TestLatestReflectsMaxTimestamp(t *testing.T) {
	e := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, e.do(multipartRequest(t, `{"timestamp":"2024-06-01T12:00:00Z","crop_detection":"newer"}`, "", nil)).Code)
	require.Equal(t, http.StatusOK, e.do(multipartRequest(t, `{"timestamp":"2024-06-01T08:00:00Z","crop_detection":"older"}`, "", nil)).Code)

	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/data/latest", nil))
	var latest map[string]any
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &latest))
	assert.Equal(t, "newer", latest["crop_detection"])
}

// --- images ---

func TestImageNotFound(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, path := range []string{"/uploads/missing.jpg", "/uploads/.upload-1"} {
		rec := e.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

// --- CORS ---

func TestCORSAllowsAnyOriginByDefault(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/data/latest", nil)
	req.Header.Set("Origin", "https://verdaunt.netlify.app")

	rec := e.do(req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowList(t *testing.T) {
	e := newTestEnv(t, []string{"https://verdaunt.netlify.app"})

	req := httptest.NewRequest(http.MethodGet, "/api/data/latest", nil)
	req.Header.Set("Origin", "https://verdaunt.netlify.app")
	rec := e.do(req)
	assert.Equal(t, "https://verdaunt.netlify.app", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/data/latest", nil)
	req.Header.Set("Origin", "https://elsewhere.example")
	rec = e.do(req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
	req.Header.Set("Origin", "https://verdaunt.netlify.app")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := e.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

// --- live updates ---

func TestUploadIsPushedToConnectedViewer(t *testing.T) {
	e := newTestEnv(t, nil)
	ts := httptest.NewServer(e.srv)
	defer ts.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	req := multipartRequest(t, leafMetadata, "leaf.png", pngBytes)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var record map[string]any
	require.NoError(t, json.Unmarshal(decode(t, rec).Record, &record))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "drone-update", ev.Type)
	assert.Equal(t, record, ev.Data)
}

// --- stubs ---

type stubIngestor struct {
	readyErr  error
	ingestErr error
	latestErr error
}

func (s *stubIngestor) CheckReadiness(context.Context) error { return s.readyErr }

func (s *stubIngestor) Ingest(context.Context, []byte, *pipeline.Upload) (domain.Report, error) {
	return domain.Report{}, s.ingestErr
}

func (s *stubIngestor) Latest(context.Context) (domain.Report, error) {
	return domain.Report{}, s.latestErr
}
