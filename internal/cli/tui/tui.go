package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dockhandvm/dockhand/internal/cli/client"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
)

const refreshInterval = 2 * time.Second

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type statusMsg struct {
	status *client.Status
}

type eventMsg struct {
	frame client.EventFrame
}

type errMsg struct {
	err error
}

type streamClosedMsg struct{}

type tickMsg struct{}

// Run launches the dashboard.
func Run() error {
	base := os.Getenv("DOCKHAND_API_BASE")
	api, err := client.New(base)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newModel(ctx, cancel, api)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		return err
	}
	return nil
}

type model struct {
	ctx    context.Context
	cancel context.CancelFunc
	api    *client.Client

	status  *client.Status
	err     error
	frames  chan client.EventFrame
	logView viewport.Model
	lines   []string
	ready   bool
}

func newModel(ctx context.Context, cancel context.CancelFunc, api *client.Client) model {
	return model{
		ctx:    ctx,
		cancel: cancel,
		api:    api,
		frames: make(chan client.EventFrame, 64),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		fetchStatusCmd(m.api, m.ctx),
		watchEventsCmd(m.api, m.ctx, m.frames),
		waitFrameCmd(m.frames),
		tickCmd(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		case "s":
			return m, startCmd(m.api, m.ctx)
		case "x":
			return m, stopCmd(m.api, m.ctx)
		}
	case tea.WindowSizeMsg:
		height := msg.Height - 10
		if height < 3 {
			height = 3
		}
		if !m.ready {
			m.logView = viewport.New(msg.Width-4, height)
			m.ready = true
		} else {
			m.logView.Width = msg.Width - 4
			m.logView.Height = height
		}
		m.refreshLogView()
	case statusMsg:
		m.status = msg.status
		m.err = nil
		return m, nil
	case eventMsg:
		m.appendEvent(msg.frame)
		return m, waitFrameCmd(m.frames)
	case errMsg:
		m.err = msg.err
		return m, nil
	case streamClosedMsg:
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetchStatusCmd(m.api, m.ctx), tickCmd())
	}

	var cmd tea.Cmd
	m.logView, cmd = m.logView.Update(msg)
	return m, cmd
}

func (m *model) appendEvent(frame client.EventFrame) {
	var line string
	switch frame.Kind {
	case events.KindLog:
		var entry events.Log
		if json.Unmarshal(frame.Payload, &entry) == nil {
			line = entry.Text
		}
	case events.KindState:
		var change events.StateChange
		if json.Unmarshal(frame.Payload, &change) == nil {
			line = fmt.Sprintf("--- state: %s (%s)", change.State, change.Reason)
		}
	case events.KindError:
		var evt events.Error
		if json.Unmarshal(frame.Payload, &evt) == nil {
			line = fmt.Sprintf("!!! %s: %s", evt.Kind, evt.Message)
		}
	case events.KindProgress:
		var progress events.DownloadProgress
		if json.Unmarshal(frame.Payload, &progress) == nil {
			line = fmt.Sprintf(">>> %.0f%% %s", progress.Percent, progress.Status)
		}
	}
	if line == "" {
		return
	}
	m.lines = append(m.lines, line)
	if len(m.lines) > 500 {
		m.lines = m.lines[len(m.lines)-500:]
	}
	m.refreshLogView()
}

func (m *model) refreshLogView() {
	if !m.ready {
		return
	}
	m.logView.SetContent(joinLines(m.lines))
	m.logView.GotoBottom()
}

func joinLines(lines []string) string {
	out := ""
	for i, line := range lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}

func (m model) View() string {
	header := titleStyle.Render("dockhand") + "  " + labelStyle.Render("s: start  x: stop  q: quit")

	var statusLine string
	switch {
	case m.err != nil:
		statusLine = errStyle.Render("daemon unreachable: " + m.err.Error())
	case m.status == nil:
		statusLine = labelStyle.Render("loading...")
	default:
		stateStyle := warnStyle
		switch m.status.State {
		case "running":
			stateStyle = okStyle
		case "error":
			stateStyle = errStyle
		}
		ready := "engine: not ready"
		if m.status.ServiceReady {
			ready = "engine: ready"
		}
		pid := ""
		if m.status.PID != nil {
			pid = fmt.Sprintf("  pid %d", *m.status.PID)
		}
		statusLine = fmt.Sprintf("%s  %s%s", stateStyle.Render(m.status.State), labelStyle.Render(ready), labelStyle.Render(pid))
	}

	body := ""
	if m.ready {
		body = borderStyle.Render(m.logView.View())
	}
	return header + "\n" + statusLine + "\n" + body + "\n"
}

func fetchStatusCmd(api *client.Client, ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		status, err := api.GetStatus(reqCtx)
		if err != nil {
			return errMsg{err: err}
		}
		return statusMsg{status: status}
	}
}

func watchEventsCmd(api *client.Client, ctx context.Context, frames chan client.EventFrame) tea.Cmd {
	return func() tea.Msg {
		_ = api.WatchEvents(ctx, nil, func(frame client.EventFrame) {
			select {
			case frames <- frame:
			default:
			}
		})
		return streamClosedMsg{}
	}
}

func waitFrameCmd(frames chan client.EventFrame) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-frames
		if !ok {
			return streamClosedMsg{}
		}
		return eventMsg{frame: frame}
	}
}

func startCmd(api *client.Client, ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := api.StartVM(reqCtx, client.StartOptions{}); err != nil {
			return errMsg{err: err}
		}
		return tickMsg{}
	}
}

func stopCmd(api *client.Client, ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if _, err := api.StopVM(reqCtx); err != nil {
			return errMsg{err: err}
		}
		return tickMsg{}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}
