package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	fetchTimeout    = 5 * time.Second
)

// Model is the bubbletea model behind `retainctl top`.
type Model struct {
	client        *Client
	serverURL     string
	retentionDays int
	interval      time.Duration
	lastUpdate    time.Time
	snap          Snapshot
	prev          *Snapshot
	err           error
	quitting      bool

	// Per-poll deltas for sparklines.
	ingestHistory  []float64
	queryHistory   []float64
	latencyHistory []float64
	vectorHistory  []float64

	shardProgress progress.Model
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard polling client every interval.
// retentionDays scales the shard progress bar.
func NewModel(client *Client, serverURL string, retentionDays int, interval time.Duration) Model {
	if retentionDays < 1 {
		retentionDays = 1
	}
	return Model{
		client:        client,
		serverURL:     serverURL,
		retentionDays: retentionDays,
		interval:      interval,
		shardProgress: progress.New(
			progress.WithGradient("#00ff00", "#ffff00"),
			progress.WithWidth(40),
		),
	}
}

// statusBadge reports health plus whether shards exceed the retention window.
func statusBadge(status string, shards, retentionDays int) string {
	switch {
	case status != "ok":
		return errorStyle.Render("✗ " + strings.ToUpper(status))
	case shards > retentionDays:
		return warningStyle.Render("⚠ PURGE DUE")
	default:
		return healthyStyle.Render("✓ HEALTHY")
	}
}

func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type snapshotMsg Snapshot
type errMsg struct{ err error }

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchSnapshot(m.client),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshot(client *Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		snap, err := client.Snapshot(ctx)
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.client)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchSnapshot(m.client),
		)

	case snapshotMsg:
		return m.apply(Snapshot(msg), time.Now()), nil

	case errMsg:
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// apply records snap and extends the histories with the change since the last poll.
func (m Model) apply(snap Snapshot, at time.Time) Model {
	if m.prev != nil {
		ingested := max(snap.IngestOK-m.prev.IngestOK, 0)
		queries := max(snap.Queries-m.prev.Queries, 0)
		latency := 0.0
		if queries > 0 {
			latency = (snap.QueryLatencySum - m.prev.QueryLatencySum) / queries * 1000
		}
		m.ingestHistory = appendToHistory(m.ingestHistory, ingested)
		m.queryHistory = appendToHistory(m.queryHistory, queries)
		m.latencyHistory = appendToHistory(m.latencyHistory, latency)
	}
	m.vectorHistory = appendToHistory(m.vectorHistory, totalVectors(snap))

	m.prev = &snap
	m.snap = snap
	m.lastUpdate = at
	m.err = nil
	return m
}

func totalVectors(s Snapshot) float64 {
	var total float64
	for _, v := range s.ShardVectors {
		total += v
	}
	return total
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" retaind Monitor ")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot reach retaind") + "\n\n")
	b.WriteString(dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	lastUpdate := "never"
	if !m.lastUpdate.IsZero() {
		lastUpdate = m.lastUpdate.Format("15:04:05")
	}

	b.WriteString(headerStyle.Render(" retaind Monitor ") + "\n")
	b.WriteString(fmt.Sprintf("%s   %s   %s\n",
		statusBadge(m.snap.Status, m.snap.Shards, m.retentionDays),
		dimStyle.Render(m.serverURL),
		dimStyle.Render(lastUpdate)))

	b.WriteString("\n" + sectionStyle.Render("┃ Ingest") + "\n")
	b.WriteString(labelStyle.Render("  Documents: ") +
		valueStyle.Render(FormatCount(m.snap.IngestOK)) +
		dimStyle.Render(fmt.Sprintf("  failed %s", FormatCount(m.snap.IngestFailed))) +
		"   " + createSparkline(m.ingestHistory) + "\n")
	b.WriteString(labelStyle.Render("  Chunks: ") +
		valueStyle.Render(FormatCount(m.snap.ChunksIndexed)) +
		dimStyle.Render(fmt.Sprintf("  rollbacks %s", FormatCount(m.snap.Rollbacks))) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Queries") + "\n")
	b.WriteString(labelStyle.Render("  Total: ") +
		valueStyle.Render(FormatCount(m.snap.Queries)) +
		"   " + createSparkline(m.queryHistory) + "\n")
	b.WriteString(labelStyle.Render("  Avg latency: ") +
		valueStyle.Render(FormatLatency(m.snap.AvgQueryLatency())) +
		"   " + createSparkline(m.latencyHistory) + "\n")

	b.WriteString("\n" + sectionStyle.Render("┃ Shards") + "\n")
	ratio := min(float64(m.snap.Shards)/float64(m.retentionDays), 1)
	b.WriteString(labelStyle.Render("  Live: ") +
		m.shardProgress.ViewAs(ratio) +
		" " + dimStyle.Render(fmt.Sprintf("%d / %d days", m.snap.Shards, m.retentionDays)) + "\n")
	b.WriteString(labelStyle.Render("  Vectors: ") +
		valueStyle.Render(FormatCount(totalVectors(m.snap))) +
		"   " + createSparkline(m.vectorHistory) + "\n")
	for _, date := range m.snap.ShardDates {
		b.WriteString(dimStyle.Render("    "+date+"  ") +
			valueStyle.Render(FormatCount(m.snap.ShardVectors[date])) + "\n")
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Retention") + "\n")
	b.WriteString(labelStyle.Render("  Runs: ") +
		valueStyle.Render(FormatCount(m.snap.PurgesOK)) +
		dimStyle.Render(fmt.Sprintf("  skipped %s  failed %s",
			FormatCount(m.snap.PurgesSkipped), FormatCount(m.snap.PurgesFailed))) + "\n")
	b.WriteString(labelStyle.Render("  Last run: ") +
		valueStyle.Render(FormatLastRun(m.snap.LastPurge)) +
		dimStyle.Render(fmt.Sprintf("  rows deleted %s", FormatCount(m.snap.RowsPurged))) + "\n")

	if u := m.snap.User; u != nil {
		b.WriteString("\n" + sectionStyle.Render("┃ You") + "\n")
		b.WriteString(labelStyle.Render("  Documents: ") +
			valueStyle.Render(humanize.Comma(int64(u.DocumentCount))) +
			labelStyle.Render("  Chunks: ") +
			valueStyle.Render(humanize.Comma(int64(u.ChunkCount))) + "\n")
		b.WriteString(labelStyle.Render("  Shards: ") +
			valueStyle.Render(strings.Join(u.ShardDates, ", ")) + "\n")
	}

	b.WriteString("\n" +
		footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval)))

	return containerStyle.Render(b.String())
}
