package task

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// Kind tags which executor drives a task.
type Kind string

const (
	KindDirect Kind = "direct"
	KindPage   Kind = "page"
	KindHLS    Kind = "hls"
)

// ParseKind accepts the CLI spellings of a kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct", "file", "directfile":
		return KindDirect, nil
	case "page", "html", "htmldiscovery":
		return KindPage, nil
	case "hls", "m3u8", "hlsstream":
		return KindHLS, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, s)
}

// DetectKind guesses a kind from the URL path. Playlists are HLS, pages and
// extensionless paths are HTML discovery, everything else is a direct file.
func DetectKind(rawURL string) Kind {
	u, err := url.Parse(rawURL)
	if err != nil {
		return KindDirect
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".m3u8", ".m3u":
		return KindHLS
	case "", ".html", ".htm", ".php", ".asp", ".aspx", ".jsp":
		return KindPage
	}
	return KindDirect
}

// State is the lifecycle position of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Startable reports whether start may move a task in this state to Running.
func (s State) Startable() bool {
	switch s {
	case StateQueued, StatePaused, StateFailed, StateCancelled:
		return true
	}
	return false
}

// UnknownTotal marks BytesTotal when the origin sent no length.
const UnknownTotal int64 = -1

// DirectDetail is the resume metadata of a direct file download.
type DirectDetail struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	Resumable    bool   `json:"resumable"`
	Probed       bool   `json:"probed"`
}

// HLSDetail pins the variant a resumed stream continues with. ResumeOffset of
// an HLS task counts segments, BytesDone counts assembled output bytes.
type HLSDetail struct {
	VariantURL    string `json:"variant_url,omitempty"`
	Quality       string `json:"quality,omitempty"`
	Bandwidth     int64  `json:"bandwidth,omitempty"`
	SegmentsTotal int    `json:"segments_total,omitempty"`
	FirstSequence uint64 `json:"first_sequence,omitempty"`
	Live          bool   `json:"live,omitempty"`
}

// PageDetail records what an HTML discovery task produced.
type PageDetail struct {
	Discovered int     `json:"discovered"`
	Children   []int64 `json:"children,omitempty"`
}

// Task is one queue entry. Exactly one of Direct, HLS or Page is set,
// matching Kind.
type Task struct {
	ID          int64  `json:"id"`
	Position    int    `json:"position"`
	Kind        Kind   `json:"kind"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	State       State  `json:"state"`

	BytesDone    int64 `json:"bytes_done"`
	BytesTotal   int64 `json:"bytes_total"`
	ResumeOffset int64 `json:"resume_offset"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Direct *DirectDetail `json:"direct,omitempty"`
	HLS    *HLSDetail    `json:"hls,omitempty"`
	Page   *PageDetail   `json:"page,omitempty"`
}

// New builds a Queued task with the detail matching kind.
func New(kind Kind, source, destination string) *Task {
	now := time.Now().UTC()
	t := &Task{
		Kind:        kind,
		Source:      source,
		Destination: destination,
		State:       StateQueued,
		BytesTotal:  UnknownTotal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch kind {
	case KindDirect:
		t.Direct = &DirectDetail{}
	case KindHLS:
		t.HLS = &HLSDetail{}
	case KindPage:
		t.Page = &PageDetail{}
	}
	return t
}

// Clone returns a deep copy.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Direct != nil {
		d := *t.Direct
		c.Direct = &d
	}
	if t.HLS != nil {
		h := *t.HLS
		c.HLS = &h
	}
	if t.Page != nil {
		p := *t.Page
		p.Children = append([]int64(nil), t.Page.Children...)
		c.Page = &p
	}
	return &c
}

// TotalKnown reports whether BytesTotal carries a real length.
func (t *Task) TotalKnown() bool {
	return t.BytesTotal >= 0
}

// CheckCounters enforces resumeOffset <= bytesDone <= bytesTotal for byte
// addressed tasks, and segment bounds for HLS.
func (t *Task) CheckCounters() error {
	if t.ResumeOffset < 0 || t.BytesDone < 0 {
		return fmt.Errorf("task %d: negative progress counters", t.ID)
	}
	if t.Kind == KindHLS {
		if t.HLS != nil && t.HLS.SegmentsTotal > 0 && !t.HLS.Live && t.ResumeOffset > int64(t.HLS.SegmentsTotal) {
			return fmt.Errorf("task %d: resume segment %d beyond %d segments", t.ID, t.ResumeOffset, t.HLS.SegmentsTotal)
		}
		return nil
	}
	if t.ResumeOffset > t.BytesDone {
		return fmt.Errorf("task %d: resume offset %d beyond bytes done %d", t.ID, t.ResumeOffset, t.BytesDone)
	}
	if t.TotalKnown() && t.BytesDone > t.BytesTotal {
		return fmt.Errorf("task %d: bytes done %d beyond total %d", t.ID, t.BytesDone, t.BytesTotal)
	}
	return nil
}

// ResetProgress discards every resume point, used when a download has to
// start over from zero.
func (t *Task) ResetProgress() {
	t.BytesDone = 0
	t.ResumeOffset = 0
	if t.Direct != nil {
		t.Direct.ETag = ""
		t.Direct.LastModified = ""
	}
	if t.HLS != nil {
		*t.HLS = HLSDetail{}
	}
}
