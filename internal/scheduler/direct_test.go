package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dlqueue/internal/discovery"
	"dlqueue/internal/downloader"
	"dlqueue/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// origin serves data with range support and records the Range header of
// every GET.
type origin struct {
	data    []byte
	ranges  bool
	mu      sync.Mutex
	gets    []string
	srv     *httptest.Server
	headers int
}

func newOrigin(t *testing.T, data []byte, ranges bool) *origin {
	o := &origin{data: data, ranges: ranges}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		if r.Method == http.MethodGet {
			o.gets = append(o.gets, r.Header.Get("Range"))
		} else {
			o.headers++
		}
		o.mu.Unlock()
		if !o.ranges {
			w.Header().Set("Content-Length", fmt.Sprint(len(o.data)))
			if r.Method == http.MethodGet {
				w.Write(o.data)
			}
			return
		}
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(o.data))
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) requests() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.gets...)
}

func directScheduler(t *testing.T, m *task.Manager, restart bool) *Scheduler {
	client := downloader.NewClient(downloader.DefaultOptions())
	direct := NewDirectExecutor(client, m, nil, 16*1024)
	page := NewPageExecutor(client, m, discovery.NewHTMLDiscoverer([]string{".bin"}), direct)
	return newScheduler(m, map[task.Kind]Executor{
		task.KindDirect: direct,
		task.KindPage:   page,
	}, Options{Retry: fastRetry(2), RestartOnResumeUnsupported: restart})
}

func TestDirectDownloadCompletes(t *testing.T) {
	data := content(200 * 1024)
	o := newOrigin(t, data, true)
	m := newManager(t)
	dest := filepath.Join(t.TempDir(), "out", "file.bin")
	tk, err := m.Add(task.AddRequest{Source: o.srv.URL + "/file.bin", Destination: dest})
	require.NoError(t, err)
	require.NoError(t, m.Start(tk.ID))

	runUntilIdle(t, directScheduler(t, m, true))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, dest+".part")

	final := state(t, m, tk.ID)
	assert.Equal(t, task.StateCompleted, final.State)
	assert.Equal(t, int64(len(data)), final.BytesDone)
	assert.Equal(t, int64(len(data)), final.BytesTotal)
	assert.Equal(t, int64(len(data)), final.ResumeOffset)
	assert.True(t, final.Direct.Resumable)
	assert.Equal(t, `"v1"`, final.Direct.ETag)
}

// seedResume leaves tk Paused as a crashed run would: k bytes durable in the
// part file and recorded as the resume offset.
func seedResume(t *testing.T, m *task.Manager, id int64, dest string, prefix []byte, total int64, etag string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0755))
	require.NoError(t, os.WriteFile(dest+".part", prefix, 0644))
	_, err := m.Finish(id, func(cur *task.Task) {
		cur.State = task.StatePaused
		cur.BytesTotal = total
		cur.BytesDone = int64(len(prefix))
		cur.ResumeOffset = int64(len(prefix))
		cur.Direct = &task.DirectDetail{ETag: etag, Resumable: true, Probed: true}
	})
	require.NoError(t, err)
}

func TestDirectResumesFromOffset(t *testing.T) {
	data := content(200 * 1024)
	const k = 70000
	o := newOrigin(t, data, true)
	m := newManager(t)
	dest := filepath.Join(t.TempDir(), "file.bin")
	tk, err := m.Add(task.AddRequest{Source: o.srv.URL + "/file.bin", Destination: dest})
	require.NoError(t, err)
	seedResume(t, m, tk.ID, dest, data[:k], int64(len(data)), `"v1"`)

	require.NoError(t, m.Start(tk.ID))
	runUntilIdle(t, directScheduler(t, m, true))

	assert.Equal(t, []string{fmt.Sprintf("bytes=%d-", k)}, o.requests())
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, task.StateCompleted, state(t, m, tk.ID).State)
}

func TestDirectResumeUnsupportedRestartsFromZero(t *testing.T) {
	data := content(100 * 1024)
	const k = 30000
	o := newOrigin(t, data, false)
	m := newManager(t)
	dest := filepath.Join(t.TempDir(), "file.bin")
	tk, err := m.Add(task.AddRequest{Source: o.srv.URL + "/file.bin", Destination: dest})
	require.NoError(t, err)
	seedResume(t, m, tk.ID, dest, bytes.Repeat([]byte{0xff}, k), int64(len(data)), "")

	require.NoError(t, m.Start(tk.ID))
	runUntilIdle(t, directScheduler(t, m, true))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, task.StateCompleted, state(t, m, tk.ID).State)
}

func TestDirectResumeUnsupportedFailsWithoutCorruption(t *testing.T) {
	data := content(100 * 1024)
	o := newOrigin(t, data, false)
	m := newManager(t)
	dest := filepath.Join(t.TempDir(), "file.bin")
	tk, err := m.Add(task.AddRequest{Source: o.srv.URL + "/file.bin", Destination: dest})
	require.NoError(t, err)
	prefix := data[:30000]
	seedResume(t, m, tk.ID, dest, prefix, int64(len(data)), "")

	require.NoError(t, m.Start(tk.ID))
	runUntilIdle(t, directScheduler(t, m, false))

	final := state(t, m, tk.ID)
	assert.Equal(t, task.StateFailed, final.State)
	assert.Equal(t, int64(len(prefix)), final.ResumeOffset)
	got, err := os.ReadFile(dest + ".part")
	require.NoError(t, err)
	assert.Equal(t, prefix, got)
}

func TestDirectRerunAfterRenameKeepsFile(t *testing.T) {
	data := content(100 * 1024)
	o := newOrigin(t, data, true)
	m := newManager(t)
	dest := filepath.Join(t.TempDir(), "file.bin")
	tk, err := m.Add(task.AddRequest{Source: o.srv.URL + "/file.bin", Destination: dest})
	require.NoError(t, err)
	require.NoError(t, m.Start(tk.ID))

	exec := NewDirectExecutor(downloader.NewClient(downloader.DefaultOptions()), m, nil, 16*1024)
	require.NoError(t, exec.Run(context.Background(), state(t, m, tk.ID)))

	// Nothing recorded the completion, as after a crash right past the rename.
	crashed := state(t, m, tk.ID)
	require.Equal(t, task.StateRunning, crashed.State)
	require.Equal(t, int64(len(data)), crashed.ResumeOffset)
	gets := len(o.requests())

	runUntilIdle(t, directScheduler(t, m, false))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, dest+".part")
	assert.Len(t, o.requests(), gets)
	final := state(t, m, tk.ID)
	assert.Equal(t, task.StateCompleted, final.State)
	assert.Equal(t, int64(len(data)), final.BytesDone)
}

func TestDirectShortPartRestartsFromZero(t *testing.T) {
	data := content(200 * 1024)
	const k = 70000
	o := newOrigin(t, data, true)
	m := newManager(t)
	dest := filepath.Join(t.TempDir(), "file.bin")
	tk, err := m.Add(task.AddRequest{Source: o.srv.URL + "/file.bin", Destination: dest})
	require.NoError(t, err)
	seedResume(t, m, tk.ID, dest, data[:k], int64(len(data)), `"v1"`)
	require.NoError(t, os.Truncate(dest+".part", 1000))

	require.NoError(t, m.Start(tk.ID))
	runUntilIdle(t, directScheduler(t, m, false))

	assert.NotContains(t, o.requests(), fmt.Sprintf("bytes=%d-", k))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, task.StateCompleted, state(t, m, tk.ID).State)
}

func TestDirectMissingPartRestartsFromZero(t *testing.T) {
	data := content(100 * 1024)
	o := newOrigin(t, data, true)
	m := newManager(t)
	dest := filepath.Join(t.TempDir(), "file.bin")
	tk, err := m.Add(task.AddRequest{Source: o.srv.URL + "/file.bin", Destination: dest})
	require.NoError(t, err)
	seedResume(t, m, tk.ID, dest, data[:30000], int64(len(data)), `"v1"`)
	require.NoError(t, os.Remove(dest+".part"))

	require.NoError(t, m.Start(tk.ID))
	runUntilIdle(t, directScheduler(t, m, false))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, task.StateCompleted, state(t, m, tk.ID).State)
}

func TestPageQueuesDiscoveredLinks(t *testing.T) {
	a, b := content(40*1024), content(50*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("/gallery", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
<a href="/files/a.bin">a</a>
<a href="/files/b.bin?utm_source=feed">b</a>
<a href="/files/a.bin#again">a again</a>
<a href="/about.html">about</a>
</body></html>`)
	})
	mux.HandleFunc("/files/a.bin", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.bin", time.Time{}, bytes.NewReader(a))
	})
	mux.HandleFunc("/files/b.bin", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "b.bin", time.Time{}, bytes.NewReader(b))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m := newManager(t)
	dir := filepath.Join(t.TempDir(), "site")
	page, err := m.Add(task.AddRequest{Source: srv.URL + "/gallery", Destination: dir})
	require.NoError(t, err)
	require.Equal(t, task.KindPage, page.Kind)
	require.NoError(t, m.Start(page.ID))

	runUntilIdle(t, directScheduler(t, m, true))

	list := m.List()
	require.Len(t, list, 3)
	for _, tk := range list {
		assert.Equal(t, task.StateCompleted, tk.State, "task %d %s", tk.ID, tk.Source)
	}
	parent := state(t, m, page.ID)
	assert.Equal(t, 2, parent.Page.Discovered)

	gotA, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, a, gotA)
	gotB, err := os.ReadFile(filepath.Join(dir, "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, b, gotB)
}

func TestPageServingFileDownloadsIt(t *testing.T) {
	data := content(60 * 1024)
	var (
		mu   sync.Mutex
		gets int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		if r.Method == http.MethodGet {
			mu.Lock()
			gets++
			first := gets == 1
			mu.Unlock()
			if first {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	m := newManager(t)
	dir := filepath.Join(t.TempDir(), "site")
	tk, err := m.Add(task.AddRequest{Source: srv.URL + "/download?id=5", Destination: dir})
	require.NoError(t, err)
	require.Equal(t, task.KindPage, tk.Kind)
	require.NoError(t, m.Start(tk.ID))

	runUntilIdle(t, directScheduler(t, m, true))

	final := state(t, m, tk.ID)
	assert.Equal(t, task.StateCompleted, final.State)
	assert.Equal(t, task.KindDirect, final.Kind)
	assert.Equal(t, filepath.Join(dir, "report.pdf"), final.Destination)
	assert.Equal(t, int64(len(data)), final.BytesDone)
	got, err := os.ReadFile(filepath.Join(dir, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Len(t, m.List(), 1, "nothing discovered from a file")
}

func TestPageServingFileWithoutName(t *testing.T) {
	data := content(10 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	m := newManager(t)
	dir := filepath.Join(t.TempDir(), "site")
	tk, err := m.Add(task.AddRequest{Source: srv.URL + "/get", Destination: dir})
	require.NoError(t, err)
	require.NoError(t, m.Start(tk.ID))

	runUntilIdle(t, directScheduler(t, m, true))

	assert.Equal(t, task.StateCompleted, state(t, m, tk.ID).State)
	got, err := os.ReadFile(filepath.Join(dir, "get"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUniqueName(t *testing.T) {
	seen := map[string]int{}
	assert.Equal(t, "a.zip", uniqueName(seen, "a.zip"))
	assert.Equal(t, "a-2.zip", uniqueName(seen, "a.zip"))
	assert.Equal(t, "b", uniqueName(seen, "b"))
	assert.Equal(t, "b-2", uniqueName(seen, "b"))
}
