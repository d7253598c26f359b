package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/skobkin/tegrastats-web/internal/api"
	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

const defaultBarWidth = 30

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#76B900")).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			MarginTop(1)
	labelStyle = lipgloss.NewStyle().
			Width(12).
			Foreground(lipgloss.Color("250"))
	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
)

type eventMsg Event

type streamDoneMsg struct {
	err error
}

// Model is the bubbletea model of the live dashboard.
type Model struct {
	events <-chan Event
	done   <-chan error

	hello   *api.HelloMessage
	snap    *tegrastats.Snapshot
	lastErr string
	err     error

	width    int
	barWidth int
	bar      progress.Model
}

// NewModel builds a dashboard fed by events. done receives the stream result
// once events is exhausted.
func NewModel(events <-chan Event, done <-chan error) Model {
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = defaultBarWidth

	return Model{
		events:   events,
		done:     done,
		barWidth: defaultBarWidth,
		bar:      bar,
	}
}

// Err returns the error that ended the stream, if any.
func (m Model) Err() error {
	return m.err
}

func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return streamDoneMsg{err: <-m.done}
		}
		return eventMsg(ev)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.barWidth = max(10, min(50, msg.Width-30))
		m.bar.Width = m.barWidth
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil

	case eventMsg:
		switch {
		case msg.Hello != nil:
			m.hello = msg.Hello
		case msg.Update != nil:
			snap := msg.Update.Snapshot
			m.snap = &snap
			m.lastErr = ""
		case msg.Error != "":
			m.lastErr = msg.Error
		}
		return m, m.waitForEvent()

	case streamDoneMsg:
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	title := "tegrastats"
	if m.hello != nil {
		title += " · " + deviceLabel(m.hello)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")

	if m.snap == nil {
		b.WriteString(mutedStyle.Render("waiting for data..."))
		b.WriteString("\n")
	} else {
		b.WriteString(m.renderSnapshot(*m.snap))
	}

	if m.lastErr != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("server: " + m.lastErr))
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("q: quit"))
	return b.String()
}

func (m Model) renderSnapshot(snap tegrastats.Snapshot) string {
	var b strings.Builder

	b.WriteString(sectionStyle.Render("CPU"))
	b.WriteString("\n")
	for _, core := range snap.CPU.Cores {
		label := "core " + strconv.Itoa(core.ID)
		b.WriteString(m.row(label, float64(core.Usage)/100, fmt.Sprintf("%3d%% @ %d MHz", core.Usage, core.Freq)))
	}
	if len(snap.CPU.Cores) == 0 {
		b.WriteString(mutedStyle.Render("n/a"))
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Memory"))
	b.WriteString("\n")
	ram := snap.Memory.RAM
	b.WriteString(m.row("RAM", float64(percent(ram.Used, ram.Total))/100,
		formatMB(ram.Used)+" / "+formatMB(ram.Total)))
	if swap := snap.Memory.Swap; swap != nil {
		b.WriteString(m.row("SWAP", float64(percent(swap.Used, swap.Total))/100,
			formatMB(swap.Used)+" / "+formatMB(swap.Total)))
	}

	if gr3d := snap.GPU.GR3DFreq; gr3d != nil {
		b.WriteString(sectionStyle.Render("GPU"))
		b.WriteString("\n")
		b.WriteString(m.row("GR3D", float64(*gr3d)/100, fmt.Sprintf("%d%%", *gr3d)))
	}

	if len(snap.Temperature) > 0 {
		b.WriteString(sectionStyle.Render("Temperature"))
		b.WriteString("\n")
		for _, name := range sortedKeys(snap.Temperature) {
			b.WriteString(labelStyle.Render(name))
			b.WriteString(strconv.FormatFloat(snap.Temperature[name], 'f', 1, 64) + " °C\n")
		}
	}

	if len(snap.Power) > 0 {
		b.WriteString(sectionStyle.Render("Power"))
		b.WriteString("\n")
		for _, name := range sortedKeys(snap.Power) {
			rail := snap.Power[name]
			b.WriteString(labelStyle.Render(name))
			b.WriteString(fmt.Sprintf("%d / %d %s\n", rail.Current, rail.Average, rail.Unit))
		}
	}

	b.WriteString(mutedStyle.Render("updated " + snap.Timestamp.Local().Format(time.TimeOnly)))
	return b.String()
}

func (m Model) row(label string, ratio float64, value string) string {
	return labelStyle.Render(label) + m.bar.ViewAs(ratio) + " " + value + "\n"
}

// RunTUI shows the dashboard until the user quits, ctx ends or the stream
// finishes.
func RunTUI(ctx context.Context, events <-chan Event, done <-chan error) error {
	program := tea.NewProgram(NewModel(events, done), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := program.Run()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("run dashboard: %w", err)
	}
	if model, ok := final.(Model); ok {
		return model.Err()
	}
	return nil
}

func deviceLabel(hello *api.HelloMessage) string {
	switch {
	case hello.Device.Model != "":
		return hello.Device.Model
	case hello.Device.Hostname != "":
		return hello.Device.Hostname
	default:
		return "server"
	}
}
