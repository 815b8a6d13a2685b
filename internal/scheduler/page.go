package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"strings"

	"dlqueue/internal/discovery"
	"dlqueue/internal/downloader"
	"dlqueue/internal/task"
)

// maxPageBytes bounds the HTML read for discovery.
const maxPageBytes = 16 << 20

// ChildAdder queues tasks discovered by a page task (*task.Manager).
type ChildAdder interface {
	Updater
	AddChild(parentID int64, req task.AddRequest) (*task.Task, error)
	Reclassify(id int64, kind task.Kind, destination string) (*task.Task, error)
}

// PageExecutor fetches an HTML page and queues every discovered link as a
// child task downloading into the page's destination directory. A source
// that serves a file instead of a page becomes a direct task and is handed
// to files.
type PageExecutor struct {
	client     *downloader.Client
	queue      ChildAdder
	discoverer discovery.Discoverer
	files      Executor
}

func NewPageExecutor(client *downloader.Client, queue ChildAdder, d discovery.Discoverer, files Executor) *PageExecutor {
	return &PageExecutor{client: client, queue: queue, discoverer: d, files: files}
}

func (e *PageExecutor) Run(ctx context.Context, t *task.Task) error {
	info, err := e.client.Probe(ctx, t.Source)
	if err != nil {
		return err
	}
	if !info.IsDocument() {
		return e.runAsFile(ctx, t, info)
	}

	body, finalURL, err := e.client.Fetch(ctx, t.Source, maxPageBytes)
	if err != nil {
		return err
	}
	candidates, err := e.discoverer.Discover(ctx, finalURL, bytes.NewReader(body))
	if err != nil {
		return err
	}

	names := make(map[string]int)
	added := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		kind := task.DetectKind(c.URL)
		if kind == task.KindPage {
			kind = task.KindDirect
		}
		name := uniqueName(names, c.Filename)
		if kind == task.KindHLS {
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ".ts"
		}
		child, err := e.queue.AddChild(t.ID, task.AddRequest{
			Source:      c.URL,
			Kind:        kind,
			Destination: filepath.Join(t.Destination, name),
		})
		if errors.Is(err, task.ErrDuplicateSource) {
			continue
		}
		if err != nil {
			return fmt.Errorf("queue %s: %w", c.URL, err)
		}
		added++
		log.Printf("task %d: discovered %s as task %d", t.ID, c.URL, child.ID)
	}
	log.Printf("task %d: %d links found, %d queued", t.ID, len(candidates), added)

	size := int64(len(body))
	_, err = e.queue.UpdateExecution(t.ID, func(cur *task.Task) {
		cur.BytesDone, cur.BytesTotal, cur.ResumeOffset = size, size, size
	})
	return err
}

// runAsFile reclassifies t as a direct download into its destination
// directory, named by Content-Disposition or else by the URL.
func (e *PageExecutor) runAsFile(ctx context.Context, t *task.Task, info *downloader.FileInfo) error {
	name := discovery.SafeName(info.Filename)
	if info.Filename == "" {
		u, err := url.Parse(t.Source)
		if err != nil {
			return fmt.Errorf("parse source: %w", err)
		}
		name = discovery.Filename(u)
	}
	dest := filepath.Join(t.Destination, name)
	log.Printf("task %d: %s serves %q, downloading it as a file to %s", t.ID, t.Source, info.ContentType, dest)
	updated, err := e.queue.Reclassify(t.ID, task.KindDirect, dest)
	if err != nil {
		return err
	}
	return e.files.Run(ctx, updated)
}

// uniqueName suffixes repeated filenames: a.zip, a-2.zip, a-3.zip.
func uniqueName(seen map[string]int, name string) string {
	seen[name]++
	n := seen[name]
	if n == 1 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
