package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"audioingest/apperr"
	"audioingest/core/auth"
	"audioingest/core/ingest"
	"audioingest/model"
	"audioingest/queue"
	"audioingest/repository"
	"audioingest/storage"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSecret = "test-secret"

type apiFixture struct {
	router  http.Handler
	jobs    *queue.MemoryQueue
	storage *storage.MemoryAdapter
	alice   *model.User
	bob     *model.User
}

func newAPIFixture(t *testing.T, opts ingest.Options, ready func(context.Context) error) *apiFixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&model.User{}, &model.Playlist{}, &model.AudioFile{}))

	users := repository.NewGormUserRepository(gdb)
	alice := &model.User{Username: "alice", PasswordHash: "x"}
	bob := &model.User{Username: "bob", PasswordHash: "x"}
	require.NoError(t, users.Create(context.Background(), alice))
	require.NoError(t, users.Create(context.Background(), bob))

	jobs := queue.NewMemoryQueue()
	adapter := storage.NewMemoryAdapter("http://storage.test")
	svc := ingest.NewService(adapter, repository.NewGormAudioRepository(gdb), jobs, opts)

	return &apiFixture{
		router: NewRouter(Deps{
			Ingest:    svc,
			Users:     users,
			JWTSecret: testSecret,
			Ready:     ready,
		}),
		jobs:    jobs,
		storage: adapter,
		alice:   alice,
		bob:     bob,
	}
}

func tokenFor(t *testing.T, user *model.User) string {
	t.Helper()
	tok, err := auth.GenerateToken(testSecret, user.ID, user.Username, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path string, form url.Values, user *model.User) *httptest.ResponseRecorder {
	t.Helper()
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if user != nil {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, user))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *apiFixture) presign(t *testing.T, user *model.User, filename string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/uploads/presign", url.Values{
		"filename":     {filename},
		"content_type": {"audio/wav"},
	}, user)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(t, rec)["key"].(string)
}

func TestPresignReturnsCredential(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	rec := f.do(t, http.MethodPost, "/uploads/presign", url.Values{
		"filename":     {"My Song.wav"},
		"content_type": {"audio/wav"},
	}, f.alice)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	key := body["key"].(string)
	assert.True(t, strings.HasPrefix(key, fmt.Sprintf("uploads/%d/", f.alice.ID)), key)
	assert.Equal(t, http.MethodPut, body["method"])
	assert.Contains(t, body["upload_url"], key)
	assert.Equal(t, "audio/wav", body["headers"].(map[string]interface{})["Content-Type"])
}

func TestPresignRejectsNonAudio(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	rec := f.do(t, http.MethodPost, "/uploads/presign", url.Values{
		"filename":     {"notes.txt"},
		"content_type": {"text/plain"},
	}, f.alice)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)

	rec := f.do(t, http.MethodPost, "/uploads/presign", url.Values{"filename": {"a.wav"}}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/uploads/1", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ghost := &model.User{ID: 404, Username: "ghost"}
	rec = f.do(t, http.MethodGet, "/uploads/1", nil, ghost)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompleteQueuesTranscode(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	key := f.presign(t, f.alice, "song.wav")

	rec := f.do(t, http.MethodPost, "/uploads/complete", url.Values{"key": {key}}, f.alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["ok"])
	assert.EqualValues(t, 1, body["audio_id"])

	stats, err := f.jobs.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)

	rec = f.do(t, http.MethodGet, "/uploads/1", nil, f.alice)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode(t, rec)
	assert.Equal(t, "pending", view["status"])
	assert.Equal(t, key, view["key"])
	assert.Nil(t, view["duration"])
}

func TestCompleteRejectsForeignKey(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	key := f.presign(t, f.alice, "song.wav")

	rec := f.do(t, http.MethodPost, "/uploads/complete", url.Values{"key": {key}}, f.bob)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	stats, err := f.jobs.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Ready)
}

func TestCompleteRejectsMalformedKey(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	for _, key := range []string{"", "uploads/1/../../etc/passwd", "covers/1/x.wav"} {
		rec := f.do(t, http.MethodPost, "/uploads/complete", url.Values{"key": {key}}, f.alice)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "key %q", key)
	}
}

func TestCompleteWithoutObjectIsConflict(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{VerifyUpload: true}, nil)
	key := f.presign(t, f.alice, "song.wav")

	rec := f.do(t, http.MethodPost, "/uploads/complete", url.Values{"key": {key}}, f.alice)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.storage.PutObject(context.Background(), strings.NewReader("RIFF"), key, "audio/wav"))
	rec = f.do(t, http.MethodPost, "/uploads/complete", url.Values{"key": {key}}, f.alice)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetUploadIsOwnerOnly(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	key := f.presign(t, f.alice, "song.wav")
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/uploads/complete", url.Values{"key": {key}}, f.alice).Code)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/uploads/1", nil, f.bob).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/uploads/99", nil, f.alice).Code)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil, nil).Code)

	down := newAPIFixture(t, ingest.Options{}, func(context.Context) error { return errors.New("redis down") })
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)
	f.do(t, http.MethodGet, "/healthz", nil, nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "audioingest_http_requests_total")
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("k: %w", apperr.ErrKeyValidation), http.StatusBadRequest},
		{fmt.Errorf("f: %w", apperr.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("o: %w", apperr.ErrAuthorization), http.StatusForbidden},
		{fmt.Errorf("r: %w", apperr.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("s: %w", apperr.ErrObjectNotFound), http.StatusConflict},
		{fmt.Errorf("p: %w", apperr.ErrTransientProvider), http.StatusServiceUnavailable},
		{fmt.Errorf("c: %w", apperr.ErrConfiguration), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
		if tc.want == http.StatusServiceUnavailable {
			assert.Equal(t, "5", rec.Header().Get("Retry-After"))
		}
		if tc.want == http.StatusInternalServerError {
			assert.NotContains(t, rec.Body.String(), tc.err.Error())
		}
	}
}

func (f *apiFixture) doMultipart(t *testing.T, path string, fields map[string]string, user *model.User) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, user))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestMultipartFormBodies(t *testing.T) {
	f := newAPIFixture(t, ingest.Options{}, nil)

	rec := f.doMultipart(t, "/uploads/presign", map[string]string{
		"filename":     "song.wav",
		"content_type": "audio/wav",
	}, f.alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	key := decode(t, rec)["key"].(string)
	assert.True(t, strings.HasSuffix(key, "_song.wav"), key)

	rec = f.doMultipart(t, "/uploads/complete", map[string]string{"key": key}, f.alice)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["ok"])
}
