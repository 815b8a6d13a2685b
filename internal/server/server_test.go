package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dlqueue/internal/database"
	"dlqueue/internal/metrics"
	"dlqueue/internal/progress"
	"dlqueue/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mgr *task.Manager
	bus *progress.Bus
	srv *httptest.Server
	dir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.OpenSQLite(filepath.Join(dir, "tasks.db"))
	require.NoError(t, err)
	store, err := task.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	mgr, err := task.NewManager(store)
	require.NoError(t, err)

	metrics.Register()
	bus := progress.NewBus()
	srv := httptest.NewServer(NewServer("", mgr, bus, filepath.Join(dir, "downloads")).Handler())
	t.Cleanup(srv.Close)
	return &fixture{mgr: mgr, bus: bus, srv: srv, dir: dir}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (f *fixture) add(t *testing.T, url string) *task.Task {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/tasks", fmt.Sprintf(`{"url":%q}`, url))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*task.Task](t, resp)
}

func TestAddAndList(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "https://example.com/a.iso")
	b := f.add(t, "https://example.com/v/index.m3u8")

	assert.Equal(t, task.KindDirect, a.Kind)
	assert.Equal(t, filepath.Join(f.dir, "downloads", "a.iso"), a.Destination)
	assert.Equal(t, task.KindHLS, b.Kind)

	resp := f.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]*task.Task](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, []int64{a.ID, b.ID}, []int64{list[0].ID, list[1].ID})
	assert.Equal(t, 1, list[1].Position)
}

func TestAddRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks", `{"url":""}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks", `not json`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks", `{"url":"https://x/y","kind":"torrent"}`).StatusCode)
}

func TestMove(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "https://example.com/a.bin")
	b := f.add(t, "https://example.com/b.bin")
	c := f.add(t, "https://example.com/c.bin")

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/move", c.ID), `{"position":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	moved := decode[*task.Task](t, resp)
	assert.Equal(t, 0, moved.Position)

	var order []int64
	for _, tk := range f.mgr.List() {
		order = append(order, tk.ID)
	}
	assert.Equal(t, []int64{c.ID, a.ID, b.ID}, order)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/move", a.ID), `{"position":3}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/move", a.ID), `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskCommands(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "https://example.com/a.bin")

	resp := f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/start", a.ID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.StateRunning, decode[*task.Task](t, resp).State)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/pause", a.ID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.StatePaused, decode[*task.Task](t, resp).State)

	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%d/cancel", a.ID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, task.StateCancelled, decode[*task.Task](t, resp).State)

	resp = f.do(t, http.MethodGet, fmt.Sprintf("/api/tasks/%d", a.ID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", a.ID), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.mgr.List())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, fmt.Sprintf("/api/tasks/%d", a.ID), "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/tasks/abc/start", "").StatusCode)
}

func TestPauseAllAndStartAll(t *testing.T) {
	f := newFixture(t)
	a := f.add(t, "https://example.com/a.bin")
	b := f.add(t, "https://example.com/b.bin")

	resp := f.do(t, http.MethodPost, "/api/start-all", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{a.ID, b.ID}, decode[map[string][]int64](t, resp)["started"])

	resp = f.do(t, http.MethodPost, "/api/pause-all", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{a.ID, b.ID}, decode[map[string][]int64](t, resp)["paused"])

	resp = f.do(t, http.MethodPost, "/api/pause-all", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{}, decode[map[string][]int64](t, resp)["paused"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	metrics.IncTaskStarted("direct")
	resp := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dlqueue_tasks_started_total")
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription exists once headers are flushed.
	f.bus.Publish(progress.Event{Type: progress.EventTaskCompleted, TaskID: 9})

	r := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimSpace(line))
	}
	assert.True(t, strings.HasPrefix(lines[0], "id: "))
	assert.Equal(t, "event: task.completed", lines[1])
	assert.Contains(t, lines[2], `"task_id":9`)
}
