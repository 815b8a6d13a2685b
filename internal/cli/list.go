package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"dlqueue/internal/task"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newListCmd() *cobra.Command {
	var (
		output  string
		archive bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show the queue in position order",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := strings.ToLower(output)
			switch format {
			case "table", "json", "yaml":
			default:
				return usageError{fmt.Errorf("unknown output format %q (want table, json or yaml)", output)}
			}
			return withRuntime(func(rt *runtime) error {
				out := cmd.OutOrStdout()
				if archive {
					archived, err := rt.mgr.ListArchive()
					if err != nil {
						return err
					}
					if format == "table" {
						return writeArchiveTable(out, archived)
					}
					return encode(out, format, archived)
				}
				tasks := rt.mgr.List()
				if format == "table" {
					return writeTable(out, tasks)
				}
				return encode(out, format, tasks)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json or yaml")
	cmd.Flags().BoolVar(&archive, "archive", false, "list archived tasks instead of the queue")
	return cmd
}

func encode(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, tasks []*task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tID\tKIND\tSTATE\tPROGRESS\tSOURCE\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			t.Position, t.ID, t.Kind, t.State, progressOf(t), t.Source, t.LastError)
	}
	return tw.Flush()
}

func writeArchiveTable(w io.Writer, archived []task.ArchivedTask) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSIZE\tARCHIVED\tDESTINATION")
	for _, a := range archived {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			a.Task.ID, a.Task.Kind, humanize.IBytes(uint64(max(a.Task.BytesDone, 0))),
			humanize.RelTime(a.ArchivedAt, time.Now(), "ago", "from now"), a.Task.Destination)
	}
	return tw.Flush()
}

// progressOf renders bytes done, the total when known, and segment counts
// for HLS tasks.
func progressOf(t *task.Task) string {
	done := humanize.IBytes(uint64(max(t.BytesDone, 0)))
	switch {
	case t.Kind == task.KindHLS && t.HLS != nil && t.HLS.SegmentsTotal > 0:
		return fmt.Sprintf("%s (%d/%d seg)", done, t.ResumeOffset, t.HLS.SegmentsTotal)
	case t.Kind == task.KindPage && t.Page != nil && t.State == task.StateCompleted:
		return fmt.Sprintf("%d links", t.Page.Discovered)
	case t.TotalKnown() && t.BytesTotal > 0:
		pct := float64(t.BytesDone) * 100 / float64(t.BytesTotal)
		return fmt.Sprintf("%s / %s (%.1f%%)", done, humanize.IBytes(uint64(t.BytesTotal)), pct)
	}
	return done
}
