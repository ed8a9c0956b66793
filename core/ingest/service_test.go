package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"audioingest/apperr"
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

var keyPattern = regexp.MustCompile(`^uploads/7/[0-9a-f-]{36}_song\.wav$`)

type failingQueue struct {
	queue.Queue
	err error
}

func (q *failingQueue) Enqueue(ctx context.Context, job queue.Job) error {
	if q.err != nil {
		return q.err
	}
	return q.Queue.Enqueue(ctx, job)
}

type fixture struct {
	svc     *Service
	db      *gorm.DB
	jobs    *queue.MemoryQueue
	gate    *failingQueue
	storage *storage.MemoryAdapter
	alice   *model.User
	bob     *model.User
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ingest.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, gdb.AutoMigrate(&model.User{}, &model.Playlist{}, &model.AudioFile{}))

	jobs := queue.NewMemoryQueue()
	gate := &failingQueue{Queue: jobs}
	adapter := storage.NewMemoryAdapter("http://storage.test")
	return &fixture{
		svc:     NewService(adapter, repository.NewGormAudioRepository(gdb), gate, opts),
		db:      gdb,
		jobs:    jobs,
		gate:    gate,
		storage: adapter,
		alice:   &model.User{ID: 7, Username: "alice"},
		bob:     &model.User{ID: 8, Username: "bob"},
	}
}

func (f *fixture) rowCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.AudioFile{}).Count(&n).Error)
	return n
}

func (f *fixture) drain(t *testing.T) []queue.Job {
	t.Helper()
	var out []queue.Job
	for {
		d, err := f.jobs.Dequeue(context.Background(), 0)
		require.NoError(t, err)
		if d == nil {
			return out
		}
		out = append(out, d.Job)
		require.NoError(t, f.jobs.Ack(context.Background(), d))
	}
}

func TestAliceUploadScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	res, err := f.svc.Presign(ctx, f.alice, "song.wav", "audio/wav")
	require.NoError(t, err)
	assert.Regexp(t, keyPattern, res.Key)
	assert.Equal(t, "PUT", res.Method)
	assert.Equal(t, "audio/wav", res.Headers["Content-Type"])
	assert.True(t, strings.HasPrefix(res.UploadURL, "http://storage.test/"+res.Key))
	assert.Zero(t, f.rowCount(t))

	audio, err := f.svc.Complete(ctx, f.alice, res.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(7), audio.OwnerID)
	assert.False(t, audio.Transcoded)
	assert.Equal(t, "song.wav", audio.Filename)
	assert.Equal(t, res.Key, audio.CloudPath)
	assert.False(t, audio.Duration.Valid)
	assert.False(t, audio.Waveform.Valid)

	jobs := f.drain(t)
	assert.Equal(t, []queue.Job{{AudioID: audio.ID, Key: res.Key}}, jobs)
}

func TestBobCannotClaimAliceKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	res, err := f.svc.Presign(ctx, f.alice, "song.wav", "audio/wav")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, f.bob, res.Key)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.Zero(t, f.rowCount(t))
	assert.Empty(t, f.drain(t))
}

func TestPresignNeverCreatesRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	names := []string{"song.wav", "a b c.mp3", "../../x.flac", "ü.ogg", "track", strings.Repeat("z", 400)}
	types := []string{"audio/wav", "audio/mpeg", "audio/flac; rate=44100", "application/octet-stream"}
	for _, user := range []*model.User{f.alice, f.bob, {ID: 12345}} {
		for _, name := range names {
			for _, ct := range types {
				res, err := f.svc.Presign(ctx, user, name, ct)
				require.NoError(t, err)
				parsed, err := storage.ParseUploadKey(res.Key)
				require.NoError(t, err)
				assert.Equal(t, user.ID, parsed.OwnerID)
			}
		}
	}
	assert.Zero(t, f.rowCount(t))
	assert.Empty(t, f.drain(t))
}

func TestPresignValidatesInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.svc.Presign(ctx, f.alice, "", "audio/wav")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Presign(ctx, f.alice, "song.wav", "image/png")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Presign(ctx, f.alice, "song.wav", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.svc.Presign(ctx, nil, "song.wav", "audio/wav")
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestCompleteRejectsMalformedKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	for _, key := range []string{"", "uploads/7/../8/x", "/uploads/7/x_song.wav", "uploads/7/song.wav", "other/7/x"} {
		_, err := f.svc.Complete(ctx, f.alice, key)
		assert.ErrorIs(t, err, apperr.ErrKeyValidation, key)
	}
	assert.Zero(t, f.rowCount(t))
}

func TestCompleteEnqueueFailureLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	res, err := f.svc.Presign(ctx, f.alice, "song.wav", "audio/wav")
	require.NoError(t, err)

	f.gate.err = errors.New("redis unavailable")
	_, err = f.svc.Complete(ctx, f.alice, res.Key)
	assert.ErrorIs(t, err, apperr.ErrTransientProvider)
	assert.Zero(t, f.rowCount(t))

	// The client retries once the queue is back.
	f.gate.err = nil
	audio, err := f.svc.Complete(ctx, f.alice, res.Key)
	require.NoError(t, err)
	assert.Equal(t, []queue.Job{{AudioID: audio.ID, Key: res.Key}}, f.drain(t))
}

func TestCompleteIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	res, err := f.svc.Presign(ctx, f.alice, "song.wav", "audio/wav")
	require.NoError(t, err)

	first, err := f.svc.Complete(ctx, f.alice, res.Key)
	require.NoError(t, err)
	second, err := f.svc.Complete(ctx, f.alice, res.Key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), f.rowCount(t))

	// Still pending, so the retry re-enqueues; the worker deduplicates.
	assert.Len(t, f.drain(t), 2)

	repo := repository.NewGormAudioRepository(f.db)
	require.NoError(t, repo.CompleteTranscode(ctx, first.ID, model.TranscodeResult{
		Duration: 1, SampleRate: 8000, Waveform: []float64{0},
	}))
	third, err := f.svc.Complete(ctx, f.alice, res.Key)
	require.NoError(t, err)
	assert.True(t, third.Transcoded)
	assert.Empty(t, f.drain(t))
}

func TestCompleteVerifiesUploadWhenEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{VerifyUpload: true})
	res, err := f.svc.Presign(ctx, f.alice, "song.wav", "audio/wav")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, f.alice, res.Key)
	assert.ErrorIs(t, err, apperr.ErrObjectNotFound)
	assert.Zero(t, f.rowCount(t))

	require.NoError(t, f.storage.PutObject(ctx, strings.NewReader("RIFF"), res.Key, "audio/wav"))
	_, err = f.svc.Complete(ctx, f.alice, res.Key)
	require.NoError(t, err)
}

func TestGetIsOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{UploadExpiry: time.Minute})
	res, err := f.svc.Presign(ctx, f.alice, "song.wav", "audio/wav")
	require.NoError(t, err)
	audio, err := f.svc.Complete(ctx, f.alice, res.Key)
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, f.alice, audio.ID)
	require.NoError(t, err)
	assert.Equal(t, audio.ID, got.ID)

	_, err = f.svc.Get(ctx, f.bob, audio.ID)
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	_, err = f.svc.Get(ctx, f.alice, audio.ID+100)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
