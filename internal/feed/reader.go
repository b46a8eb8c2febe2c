// Package feed polls the live and vandalism feeds and renders them to a terminal.
package feed

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"wikiwatch/internal/data"
	"wikiwatch/internal/queue"
)

const clearScreen = "\033[H\033[2J"

type Options struct {
	Refresh        time.Duration
	LiveLimit      int64
	VandalismLimit int64
	// Clear redraws in place instead of appending each frame.
	Clear bool
}

// Snapshot is one read of both feeds, newest first. The totals are the
// feed lengths at read time, which may exceed what was fetched.
type Snapshot struct {
	Live           []data.EnrichedRecord
	Vandalism      []data.EnrichedRecord
	LiveTotal      int64
	VandalismTotal int64
	TakenAt        time.Time
}

type Reader struct {
	live      *queue.Bounded
	vandalism *queue.Bounded
	codec     data.Codec
	opts      Options
	out       io.Writer
	log       *zap.Logger
}

func NewReader(live, vandalism *queue.Bounded, codec data.Codec, opts Options, out io.Writer, log *zap.Logger) *Reader {
	return &Reader{
		live:      live,
		vandalism: vandalism,
		codec:     codec,
		opts:      opts,
		out:       out,
		log:       log.Named("feed"),
	}
}

// Snapshot reads the newest entries of both feeds. Entries that fail to
// decode are left out.
func (r *Reader) Snapshot(ctx context.Context) (Snapshot, error) {
	live, liveTotal, err := r.read(ctx, r.live, r.opts.LiveLimit)
	if err != nil {
		return Snapshot{}, err
	}
	vandalism, vandalismTotal, err := r.read(ctx, r.vandalism, r.opts.VandalismLimit)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Live:           live,
		Vandalism:      vandalism,
		LiveTotal:      liveTotal,
		VandalismTotal: vandalismTotal,
		TakenAt:        time.Now(),
	}, nil
}

func (r *Reader) read(ctx context.Context, q *queue.Bounded, n int64) ([]data.EnrichedRecord, int64, error) {
	total, err := q.Len(ctx)
	if err != nil {
		return nil, 0, err
	}
	raw, err := q.Latest(ctx, n)
	if err != nil {
		return nil, 0, err
	}
	recs := make([]data.EnrichedRecord, 0, len(raw))
	for _, item := range raw {
		var rec data.EnrichedRecord
		if err := r.codec.Unmarshal([]byte(item), &rec); err != nil {
			r.log.Debug("skipping undecodable feed entry", zap.String("key", q.Key), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, total, nil
}

// Run redraws the feeds every Refresh until ctx is cancelled. A failed read
// is logged and retried on the next tick.
func (r *Reader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Refresh)
	defer ticker.Stop()

	for {
		r.refresh(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reader) refresh(ctx context.Context) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("reading feeds failed", zap.Error(err))
		}
		return
	}
	if r.opts.Clear {
		fmt.Fprint(r.out, clearScreen)
	}
	Render(r.out, snap)
}

var (
	headerStyle = color.New(color.FgCyan, color.Bold)
	titleStyle  = color.New(color.Bold)
	alertStyle  = color.New(color.FgRed, color.Bold)
	okStyle     = color.New(color.FgGreen)
	dimStyle    = color.New(color.Faint)
)

// Render writes a text view of snap to w.
func Render(w io.Writer, snap Snapshot) {
	headerStyle.Fprintln(w, "Live Edit Feed")
	dimStyle.Fprintf(w, "Showing the last %d of %d edits in the feed.\n\n", len(snap.Live), snap.LiveTotal)
	if len(snap.Live) == 0 {
		fmt.Fprintln(w, "Waiting for new edits...")
	}
	for _, rec := range snap.Live {
		titleStyle.Fprint(w, rec.Title)
		fmt.Fprintf(w, "  %d bytes\n", rec.Delta())
		summary := rec.Comment
		if summary == "" {
			summary = "No summary provided."
		}
		fmt.Fprintf(w, "  > %s\n", summary)
		fmt.Fprintf(w, "  by %s%s\n", rec.UserText(), userType(rec.EditRecord))
		if uri := rec.URI(); uri != "" {
			dimStyle.Fprintf(w, "  %s\n", uri)
		}
		fmt.Fprintln(w, strings.Repeat("-", 40))
	}

	fmt.Fprintln(w)
	headerStyle.Fprintln(w, "Vandalism Alerts")
	if snap.VandalismTotal > 0 {
		dimStyle.Fprintf(w, "Showing the last %d of %d alerts.\n", len(snap.Vandalism), snap.VandalismTotal)
	}
	if len(snap.Vandalism) == 0 {
		okStyle.Fprintln(w, "No vandalism detected recently.")
	}
	for _, rec := range snap.Vandalism {
		alertStyle.Fprintln(w, rec.Title)
		reasons := "Unknown"
		if len(rec.VandalismReasons) > 0 {
			reasons = strings.Join(rec.VandalismReasons, ", ")
		}
		fmt.Fprintf(w, "  Reason(s): %s\n", reasons)
		fmt.Fprintf(w, "  User: %s\n", rec.UserText())
		if uri := rec.URI(); uri != "" {
			fmt.Fprintf(w, "  View Edit: %s\n", uri)
		}
	}
}

// userType labels the editor; a bot label wins over anonymous.
func userType(rec data.EditRecord) string {
	switch {
	case rec.IsBot():
		return " (Bot)"
	case rec.Anonymous():
		return " (Anonymous)"
	}
	return ""
}
