package hls

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"dlqueue/internal/cache"
	"dlqueue/internal/database"
	"dlqueue/internal/downloader"
	"dlqueue/internal/m3u8"
	"dlqueue/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// origin serves a media playlist of numbered segments and counts hits.
type origin struct {
	mu       sync.Mutex
	segments [][]byte
	failures map[int]int // segment -> remaining 503 answers
	hits     map[int]int
	key      []byte
	live     int // segments listed while live; 0 means VOD
	polls    int
}

func newOrigin(n int) *origin {
	o := &origin{failures: map[int]int{}, hits: map[int]int{}}
	for i := 0; i < n; i++ {
		o.segments = append(o.segments, bytes.Repeat([]byte{byte('a' + i)}, 100+i))
	}
	return o
}

func (o *origin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case r.URL.Path == "/index.m3u8":
		listed, ended := len(o.segments), true
		if o.live > 0 {
			o.polls++
			if o.polls == 1 {
				listed, ended = o.live, false
			}
		}
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:1\n#EXT-X-MEDIA-SEQUENCE:0\n")
		if o.key != nil {
			b.WriteString("#EXT-X-KEY:METHOD=AES-128,URI=\"/key.bin\"\n")
		}
		for i := 0; i < listed; i++ {
			fmt.Fprintf(&b, "#EXTINF:1.0,\n/seg/%d.ts\n", i)
		}
		if ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		w.Write([]byte(b.String()))

	case r.URL.Path == "/key.bin":
		w.Write(o.key)

	case strings.HasPrefix(r.URL.Path, "/seg/"):
		i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/seg/"), ".ts"))
		if err != nil || i >= len(o.segments) {
			http.NotFound(w, r)
			return
		}
		o.hits[i]++
		if o.failures[i] > 0 {
			o.failures[i]--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		data := o.segments[i]
		if o.key != nil {
			iv := make([]byte, 16)
			binary.BigEndian.PutUint64(iv[8:], uint64(i))
			data = encrypt(nopT{}, data, o.key, iv)
		}
		w.Write(data)

	default:
		http.NotFound(w, r)
	}
}

func (o *origin) concat() []byte {
	return bytes.Join(o.segments, nil)
}

type nopT struct{}

func (nopT) Errorf(string, ...interface{}) {}
func (nopT) FailNow()                      {}

type fixture struct {
	mgr  *task.Manager
	exec *Executor
	dest string
	id   int64
}

func newFixture(t *testing.T, srv *httptest.Server, updater func(*task.Manager) Updater) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.OpenSQLite(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	store, err := task.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mgr, err := task.NewManager(store)
	require.NoError(t, err)

	dest := filepath.Join(dir, "out", "video.ts")
	tk, err := mgr.Add(task.AddRequest{Source: srv.URL + "/index.m3u8", Kind: task.KindHLS, Destination: dest})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(tk.ID))

	var up Updater = mgr
	if updater != nil {
		up = updater(mgr)
	}
	client := downloader.NewClient(downloader.DefaultOptions())
	exec := NewExecutor(client, cache.New(filepath.Join(dir, "cache")), up, nil, Options{
		Workers:       4,
		Retry:         downloader.Policy{MaxAttempts: 5, Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond},
		LivePollLimit: 3,
	})
	return &fixture{mgr: mgr, exec: exec, dest: dest, id: tk.ID}
}

func (f *fixture) task(t *testing.T) *task.Task {
	t.Helper()
	tk, err := f.mgr.Get(f.id)
	require.NoError(t, err)
	return tk
}

func TestExecutorSegmentRetriedThenCompletes(t *testing.T) {
	o := newOrigin(10)
	o.failures[5] = 3
	srv := httptest.NewServer(o)
	defer srv.Close()
	f := newFixture(t, srv, nil)

	require.NoError(t, f.exec.Run(context.Background(), f.task(t)))

	got, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.Equal(t, o.concat(), got)
	assert.NoFileExists(t, cache.PartPath(f.dest))
	assert.Equal(t, 4, o.hits[5])

	tk := f.task(t)
	assert.Equal(t, int64(10), tk.ResumeOffset)
	assert.Equal(t, 10, tk.HLS.SegmentsTotal)
	assert.Equal(t, int64(len(got)), tk.BytesDone)
	assert.Equal(t, int64(len(got)), tk.BytesTotal)
	assert.Equal(t, "source", tk.HLS.Quality)
}

func TestExecutorSegmentGivesUp(t *testing.T) {
	o := newOrigin(4)
	o.failures[2] = 100
	srv := httptest.NewServer(o)
	defer srv.Close()
	f := newFixture(t, srv, nil)

	err := f.exec.Run(context.Background(), f.task(t))
	require.Error(t, err)
	assert.True(t, downloader.IsRetryable(err), "the task level policy decides what happens next")
	assert.Equal(t, 6, o.hits[2])

	tk := f.task(t)
	assert.Equal(t, int64(2), tk.ResumeOffset, "segments before the failure stay confirmed")
	assert.NoFileExists(t, f.dest)
}

func TestExecutorEncrypted(t *testing.T) {
	o := newOrigin(5)
	o.key = []byte("fedcba9876543210")
	srv := httptest.NewServer(o)
	defer srv.Close()
	f := newFixture(t, srv, nil)

	require.NoError(t, f.exec.Run(context.Background(), f.task(t)))
	got, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.Equal(t, o.concat(), got)
}

// pausingUpdater cancels the run right after segment `at` is confirmed.
type pausingUpdater struct {
	*task.Manager
	at     int64
	cancel context.CancelFunc
}

func (p *pausingUpdater) UpdateExecution(id int64, fn func(*task.Task)) (*task.Task, error) {
	tk, err := p.Manager.UpdateExecution(id, fn)
	if err == nil && tk.ResumeOffset == p.at && p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return tk, err
}

func TestExecutorResumesFromConfirmedSegment(t *testing.T) {
	o := newOrigin(10)
	srv := httptest.NewServer(o)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	pu := &pausingUpdater{at: 4, cancel: cancel}
	f := newFixture(t, srv, func(m *task.Manager) Updater {
		pu.Manager = m
		return pu
	})

	err := f.exec.Run(ctx, f.task(t))
	require.ErrorIs(t, err, context.Canceled)

	paused := f.task(t)
	assert.GreaterOrEqual(t, paused.ResumeOffset, int64(4))
	assert.Less(t, paused.ResumeOffset, int64(10))
	part, err := os.ReadFile(cache.PartPath(f.dest))
	require.NoError(t, err)
	assert.Equal(t, paused.BytesDone, int64(len(part)))

	require.NoError(t, f.exec.Run(context.Background(), paused))
	got, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.Equal(t, o.concat(), got)
	for i := 0; i < int(paused.ResumeOffset); i++ {
		assert.Equal(t, 1, o.hits[i], "confirmed segment %d fetched again", i)
	}
}

func TestExecutorRerunAfterRenameKeepsOutput(t *testing.T) {
	o := newOrigin(6)
	srv := httptest.NewServer(o)
	defer srv.Close()
	f := newFixture(t, srv, nil)

	require.NoError(t, f.exec.Run(context.Background(), f.task(t)))
	// Completion is recorded by the scheduler; the task still looks
	// unfinished to a restarted process.
	again := f.task(t)
	require.Equal(t, task.StateRunning, again.State)

	require.NoError(t, f.exec.Run(context.Background(), again))
	got, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.Equal(t, o.concat(), got)
	assert.NoFileExists(t, cache.PartPath(f.dest))
	for i := 0; i < 6; i++ {
		assert.Equal(t, 1, o.hits[i], "segment %d fetched again", i)
	}
	assert.Equal(t, int64(len(got)), f.task(t).BytesTotal)
}

func TestExecutorShortPartRestartsFromZero(t *testing.T) {
	o := newOrigin(10)
	srv := httptest.NewServer(o)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	pu := &pausingUpdater{at: 4, cancel: cancel}
	f := newFixture(t, srv, func(m *task.Manager) Updater {
		pu.Manager = m
		return pu
	})
	require.ErrorIs(t, f.exec.Run(ctx, f.task(t)), context.Canceled)
	require.NoError(t, os.Truncate(cache.PartPath(f.dest), 10))

	require.NoError(t, f.exec.Run(context.Background(), f.task(t)))
	got, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.Equal(t, o.concat(), got)
	assert.Equal(t, 2, o.hits[0], "segment 0 fetched again after the restart")
}

func TestExecutorStopsWhenNoLongerRunning(t *testing.T) {
	o := newOrigin(6)
	srv := httptest.NewServer(o)
	defer srv.Close()
	f := newFixture(t, srv, nil)

	tk := f.task(t)
	require.NoError(t, f.mgr.Pause(f.id))
	err := f.exec.Run(context.Background(), tk)
	assert.ErrorIs(t, err, task.ErrNotRunning)
}

func TestExecutorLivePlaylist(t *testing.T) {
	o := newOrigin(4)
	o.live = 2
	srv := httptest.NewServer(o)
	defer srv.Close()
	f := newFixture(t, srv, nil)

	require.NoError(t, f.exec.Run(context.Background(), f.task(t)))
	got, err := os.ReadFile(f.dest)
	require.NoError(t, err)
	assert.Equal(t, o.concat(), got)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 1, o.hits[i])
	}
	assert.False(t, f.task(t).HLS.Live)
}

func TestExecutorMasterPlaylist(t *testing.T) {
	o := newOrigin(3)
	mux := http.NewServeMux()
	mux.Handle("/", o)
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=854x480\n/missing.m3u8\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1920x1080\n/index.m3u8\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newFixture(t, srv, nil)
	tk, err := f.mgr.Add(task.AddRequest{Source: srv.URL + "/master.m3u8", Destination: f.dest + ".master.ts"})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Start(tk.ID))
	tk, err = f.mgr.Get(tk.ID)
	require.NoError(t, err)

	f.exec.opts.Quality = m3u8.Policy{Mode: m3u8.Highest}
	require.NoError(t, f.exec.Run(context.Background(), tk))

	tk, err = f.mgr.Get(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "1080p", tk.HLS.Quality)
	assert.Equal(t, srv.URL+"/index.m3u8", tk.HLS.VariantURL)
}
