package task

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectKind(t *testing.T) {
	assert.Equal(t, KindHLS, DetectKind("https://cdn.example.com/v/index.m3u8?token=1"))
	assert.Equal(t, KindPage, DetectKind("https://example.com/downloads/"))
	assert.Equal(t, KindPage, DetectKind("https://example.com/list.php"))
	assert.Equal(t, KindDirect, DetectKind("https://example.com/file.iso"))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("M3U8")
	assert.NoError(t, err)
	assert.Equal(t, KindHLS, k)

	_, err = ParseKind("torrent")
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestCheckCounters(t *testing.T) {
	tk := New(KindDirect, "https://example.com/a", "a")
	tk.BytesDone, tk.ResumeOffset = 100, 50
	assert.NoError(t, tk.CheckCounters(), "unknown total bounds nothing")

	tk.BytesTotal = 80
	assert.Error(t, tk.CheckCounters())

	tk.BytesTotal = 100
	tk.ResumeOffset = 101
	assert.Error(t, tk.CheckCounters())

	hls := New(KindHLS, "https://example.com/a.m3u8", "a.ts")
	hls.HLS.SegmentsTotal = 10
	hls.ResumeOffset, hls.BytesDone = 10, 5000
	assert.NoError(t, hls.CheckCounters())
	hls.ResumeOffset = 11
	assert.Error(t, hls.CheckCounters())
}

func TestCloneIsDeep(t *testing.T) {
	tk := New(KindPage, "https://example.com/", "out")
	tk.Page.Children = []int64{1, 2}
	c := tk.Clone()
	c.Page.Children[0] = 9
	c.Page.Discovered = 4
	assert.Equal(t, int64(1), tk.Page.Children[0])
	assert.Zero(t, tk.Page.Discovered)
}

func TestStartable(t *testing.T) {
	assert.True(t, StatePaused.Startable())
	assert.True(t, StateFailed.Startable())
	assert.False(t, StateRunning.Startable())
	assert.False(t, StateCompleted.Startable())
}

func TestDefaultDestination(t *testing.T) {
	dir := filepath.Join("downloads")
	tests := []struct {
		source string
		kind   Kind
		want   string
	}{
		{"https://example.com/files/movie.mp4", KindDirect, "movie.mp4"},
		{"https://example.com/", KindDirect, "download"},
		{"https://example.com/show/ep1/index.m3u8", KindHLS, "ep1.ts"},
		{"https://example.com/live.m3u8", KindHLS, "live.ts"},
		{"https://example.com/index.m3u8", KindHLS, "stream.ts"},
		{"https://www.example.com/gallery", KindPage, "www.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, filepath.Join(dir, tt.want), DefaultDestination(dir, tt.source, tt.kind))
		})
	}
}
