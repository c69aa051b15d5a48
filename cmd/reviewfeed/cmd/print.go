package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nkkko/reviewfeed/pkg/proto"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

// eventPrinter writes events as table rows or JSON lines and remembers what
// it has already written
type eventPrinter struct {
	out    io.Writer
	format string
	header bool
	seen   map[proto.DedupKey]struct{}
}

func newEventPrinter(out io.Writer, format string) (*eventPrinter, error) {
	switch format {
	case outputTable, outputJSON:
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
	return &eventPrinter{
		out:    out,
		format: format,
		seen:   make(map[proto.DedupKey]struct{}),
	}, nil
}

// printNew writes the events of snapshot not printed before. Keys that have
// left the snapshot are forgotten; an expired event never comes back.
func (p *eventPrinter) printNew(snapshot []proto.Event) error {
	var fresh []proto.Event
	current := make(map[proto.DedupKey]struct{}, len(snapshot))
	for _, e := range snapshot {
		key := e.Key()
		current[key] = struct{}{}
		if _, ok := p.seen[key]; !ok {
			fresh = append(fresh, e)
		}
	}
	p.seen = current
	return p.print(fresh)
}

func (p *eventPrinter) print(events []proto.Event) error {
	if len(events) == 0 {
		return nil
	}

	if p.format == outputJSON {
		enc := json.NewEncoder(p.out)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	if !p.header {
		fmt.Fprintln(w, "TIME\tEVENT\tNAME\tEMAIL")
		p.header = true
	}
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.OccurredAt.Local().Format(time.DateTime),
			e.DisplayKind(),
			e.Actor.DisplayName(),
			e.Actor.DisplayEmail(),
		)
	}
	return w.Flush()
}
