package progress

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

// Console draws one progress bar per active task for foreground runs.
type Console struct {
	w    io.Writer
	bars map[int64]*progressbar.ProgressBar
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w, bars: make(map[int64]*progressbar.ProgressBar)}
}

// Run renders events until the channel is closed.
func (c *Console) Run(events <-chan Event) {
	for e := range events {
		c.handle(e)
	}
	for id, bar := range c.bars {
		_ = bar.Exit()
		delete(c.bars, id)
	}
}

func (c *Console) bar(e Event) *progressbar.ProgressBar {
	bar, ok := c.bars[e.TaskID]
	if ok {
		return bar
	}
	desc := fmt.Sprintf("task %d", e.TaskID)
	if e.Label != "" {
		desc = fmt.Sprintf("task %d %s", e.TaskID, e.Label)
	}
	bar = progressbar.NewOptions64(e.BytesTotal,
		progressbar.OptionSetWriter(c.w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.w) }),
	)
	c.bars[e.TaskID] = bar
	return bar
}

func (c *Console) handle(e Event) {
	switch e.Type {
	case EventTaskStarted, EventTaskProgress, EventSegmentDone:
		bar := c.bar(e)
		if e.BytesTotal > 0 && bar.GetMax64() != e.BytesTotal {
			bar.ChangeMax64(e.BytesTotal)
		}
		_ = bar.Set64(e.BytesDone)
	case EventTaskRetrying:
		fmt.Fprintf(c.w, "\ntask %d: retrying: %s\n", e.TaskID, e.Err)
	case EventTaskCompleted:
		if bar, ok := c.bars[e.TaskID]; ok {
			_ = bar.Finish()
			delete(c.bars, e.TaskID)
		}
		fmt.Fprintf(c.w, "task %d: completed (%s)\n", e.TaskID, humanize.IBytes(uint64(max(e.BytesDone, 0))))
	case EventTaskFailed, EventTaskPaused, EventTaskCancelled:
		if bar, ok := c.bars[e.TaskID]; ok {
			_ = bar.Exit()
			delete(c.bars, e.TaskID)
		}
		msg := string(e.Type)[len("task."):]
		if e.Err != "" {
			msg += ": " + e.Err
		}
		fmt.Fprintf(c.w, "\ntask %d: %s\n", e.TaskID, msg)
	}
}
