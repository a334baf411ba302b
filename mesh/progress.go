package mesh

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/netflixpp/meshnode/pkg/transfer"
)

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	pctStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	rateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// ProgressRenderer redraws a single-line progress bar for one transfer.
type ProgressRenderer struct {
	source      func() (transfer.Transfer, bool)
	out         io.Writer
	label       string
	refreshRate time.Duration
	width       int

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewProgressRenderer renders whatever source returns. source reports false
// while the transfer does not exist yet.
func NewProgressRenderer(label string, source func() (transfer.Transfer, bool), out io.Writer) *ProgressRenderer {
	return &ProgressRenderer{
		source:      source,
		out:         out,
		label:       label,
		refreshRate: 200 * time.Millisecond,
		width:       40,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// LatestDownload returns a source for the newest download of contentID
// started at or after the call. Earlier downloads of the same content are
// never reported.
func (n *Node) LatestDownload(contentID string) func() (transfer.Transfer, bool) {
	since := time.Now()
	return func() (transfer.Transfer, bool) {
		all := n.tracker.List()
		for i := len(all) - 1; i >= 0; i-- {
			if all[i].StartedAt.Before(since) {
				break
			}
			if all[i].ContentID == contentID && all[i].Direction == transfer.Download {
				return all[i], true
			}
		}
		return transfer.Transfer{}, false
	}
}

func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

func (pr *ProgressRenderer) SetWidth(width int) {
	pr.width = width
}

// Start runs the render loop until Stop.
func (pr *ProgressRenderer) Start() {
	defer close(pr.done)
	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()
	for {
		pr.Render()
		select {
		case <-ticker.C:
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait stops the loop and prints the final state on its own line.
func (pr *ProgressRenderer) StopAndWait() {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
	<-pr.done
	t, ok := pr.source()
	if !ok {
		return
	}
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintln(pr.out, finalLine(pr.label, t, pr.width))
}

// Render draws the current state, overwriting the previous line.
func (pr *ProgressRenderer) Render() {
	t, ok := pr.source()
	if !ok {
		return
	}
	fmt.Fprint(pr.out, "\r"+progressLine(pr.label, t, pr.width))
}

func progressLine(label string, t transfer.Transfer, width int) string {
	pct := t.Progress()
	filled := int(float64(width) * pct / 100)
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	eta, known := t.ETA()
	etaStr := "∞"
	if known {
		etaStr = formatETA(eta)
	}

	line := fmt.Sprintf("%s [%s] %s (%d/%d chunks) | %s/s | peer %s | ETA: %s",
		labelStyle.Render("["+label+"]"),
		barStyle.Render(bar),
		pctStyle.Render(fmt.Sprintf("%.1f%%", pct)),
		t.CompletedChunks(), t.TotalChunks,
		rateStyle.Render(formatBytes(t.Rate)),
		shortID(t.PeerID), etaStr,
	)
	if failed := failedChunks(t); failed > 0 {
		line += failStyle.Render(fmt.Sprintf(" | %d failed", failed))
	}
	return line
}

func finalLine(label string, t transfer.Transfer, width int) string {
	head := labelStyle.Render("[" + label + "]")
	switch t.State {
	case transfer.Completed:
		return fmt.Sprintf("%s [%s] 100%% (%d/%d chunks) | %s | Completed in %s",
			head, barStyle.Render(strings.Repeat("█", width)), t.TotalChunks, t.TotalChunks,
			formatBytes(float64(t.BytesTransferred)), formatDuration(t.UpdatedAt.Sub(t.StartedAt)))
	case transfer.Failed, transfer.Cancelled:
		return fmt.Sprintf("%s [%s] %.1f%% | %s: %d/%d completed, %d failed (%s)",
			head, failStyle.Render("✗"), t.Progress(), failStyle.Render("Transfer "+t.State.String()),
			t.CompletedChunks(), t.TotalChunks, failedChunks(t), t.Reason)
	default:
		return progressLine(label, t, width)
	}
}

func failedChunks(t transfer.Transfer) int {
	n := 0
	for _, c := range t.Chunks {
		if c == transfer.ChunkFailed {
			n++
		}
	}
	return n
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	if eta < time.Second {
		return "<1s"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}
