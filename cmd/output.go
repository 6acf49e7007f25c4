package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/filter"
)

const (
	barWidth         = 30
	breakdownRows    = 8
	progressInterval = 200 * time.Millisecond
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// formatTimestamp renders a 14-digit capture time as "2006-01-02 15:04:05".
// Anything else is returned unchanged.
func formatTimestamp(ts string) string {
	t, err := time.Parse(archive.TimestampLayout, ts)
	if err != nil || len(ts) != len(archive.TimestampLayout) {
		return ts
	}
	return t.Format(time.DateTime)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func printBreakdown(w io.Writer, rows []filter.MIMECount, total int) {
	fmt.Fprintln(w, "Content breakdown:")
	for i, row := range rows {
		if i == breakdownRows {
			fmt.Fprintf(w, "  ... %d more types\n", len(rows)-breakdownRows)
			break
		}
		width := 0
		if total > 0 {
			width = min(barWidth, (row.Count*barWidth+total/2)/total)
		}
		fmt.Fprintf(w, "  %-30s %-*s %s\n", row.MIME, barWidth, strings.Repeat("#", width), humanize.Comma(int64(row.Count)))
	}
}

// progressSource is polled by the live progress line.
type progressSource interface {
	Progress() archive.Progress
}

// progressLine redraws a single status line while a scheduler runs. It is a
// no-op when the output is not a terminal.
type progressLine struct {
	out     io.Writer
	enabled bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newProgressLine(out io.Writer) *progressLine {
	return &progressLine{out: out, enabled: isTerminal(out)}
}

// Watch starts drawing src, replacing any previous source.
func (p *progressLine) Watch(src progressSource, label string) {
	if !p.enabled {
		return
	}
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(src, label, p.stop, p.done)
}

// Stop draws the final state and ends the line.
func (p *progressLine) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop, p.done = nil, nil
}

func (p *progressLine) loop(src progressSource, label string, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			fmt.Fprintf(p.out, "\r%s\n", renderProgress(label, src.Progress()))
			return
		case <-ticker.C:
			fmt.Fprintf(p.out, "\r%s", renderProgress(label, src.Progress()))
		}
	}
}

func renderProgress(label string, p archive.Progress) string {
	settled := p.Settled()
	filled := 0
	if p.Total > 0 {
		filled = settled * barWidth / p.Total
	}
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)
	line := fmt.Sprintf("%s [%s] %d/%d %s %s/s",
		label, bar, settled, p.Total,
		humanize.IBytes(uint64(max(p.Bytes, 0))),
		humanize.IBytes(uint64(max(p.Throughput, 0))),
	)
	if settled > 0 && settled < p.Total {
		eta := time.Duration(float64(p.Elapsed) / float64(settled) * float64(p.Total-settled))
		line += " eta " + eta.Round(time.Second).String()
	}
	if p.Failed > 0 {
		line += fmt.Sprintf(" [%d failed]", p.Failed)
	}
	return line
}
