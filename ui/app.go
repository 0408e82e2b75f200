// Package ui provides the interactive terminal front-end for GP Manager.
// The UI is a pure function of the latest state snapshot: it issues
// commands to the lifecycle manager and renders whatever the manager
// reports, holding no connection state of its own.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/gp-manager/common"
	"github.com/yllada/gp-manager/config"
	"github.com/yllada/gp-manager/gpclient"
)

const (
	fieldGateway = iota
	fieldUsername
	fieldPassword
	fieldSudo
	fieldCount
)

// snapshotMsg carries a state transition from the lifecycle manager
// into the bubbletea event loop.
type snapshotMsg gpclient.Snapshot

// snapshotsClosedMsg signals that the subscription ended.
type snapshotsClosedMsg struct{}

// App wraps the bubbletea program.
type App struct {
	program *tea.Program
	exit    *gpclient.ExitHandler
}

// New creates the interactive front-end bound to the given manager.
// The exit handler is triggered on window close so the UI shares the
// signal path's teardown guarantees.
func New(manager *gpclient.Manager, cfg *config.Config, exit *gpclient.ExitHandler, version string) *App {
	session := config.LoadSession()

	m := newModel(manager, cfg, exit, session, version)
	p := tea.NewProgram(m, tea.WithAltScreen())
	return &App{program: p, exit: exit}
}

// Run starts the UI and blocks until it exits. Teardown is forced
// before returning regardless of how the UI ended.
func (a *App) Run() error {
	_, err := a.program.Run()
	a.exit.Trigger()
	return err
}

// model is the bubbletea model. All connection facts come from the
// latest snapshot; the inputs are the only UI-owned state.
type model struct {
	manager *gpclient.Manager
	cfg     *config.Config
	exit    *gpclient.ExitHandler
	version string

	inputs  [fieldCount]textinput.Model
	focus   int
	spin    spinner.Model
	snap    gpclient.Snapshot
	snaps   <-chan gpclient.Snapshot
	unsub   func()
	width   int
	quitErr string
}

func newModel(manager *gpclient.Manager, cfg *config.Config, exit *gpclient.ExitHandler, session *config.Session, version string) model {
	var inputs [fieldCount]textinput.Model

	gateway := textinput.New()
	gateway.Placeholder = "vpn.example.com"
	gateway.Prompt = ""
	gateway.SetValue(session.Server)
	gateway.Focus()
	inputs[fieldGateway] = gateway

	username := textinput.New()
	username.Placeholder = "username"
	username.Prompt = ""
	username.SetValue(session.Username)
	inputs[fieldUsername] = username

	password := textinput.New()
	password.Placeholder = "password"
	password.Prompt = ""
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	inputs[fieldPassword] = password

	// Needed only when not running as root; the launcher skips the
	// sudo wrapping when this stays empty.
	sudo := textinput.New()
	sudo.Placeholder = "sudo password (optional)"
	sudo.Prompt = ""
	sudo.EchoMode = textinput.EchoPassword
	sudo.EchoCharacter = '•'
	inputs[fieldSudo] = sudo

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	snaps, unsub := manager.Subscribe()

	return model{
		manager: manager,
		cfg:     cfg,
		exit:    exit,
		version: version,
		inputs:  inputs,
		spin:    spin,
		snap:    manager.State(),
		snaps:   snaps,
		unsub:   unsub,
	}
}

// Init implements tea.Model.
func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitForSnapshot())
}

// waitForSnapshot blocks on the subscription channel off the UI loop.
func (m model) waitForSnapshot() tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-m.snaps
		if !ok {
			return snapshotsClosedMsg{}
		}
		return snapshotMsg(snap)
	}
}

// Update implements tea.Model.
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		m.snap = gpclient.Snapshot(msg)
		cmds := []tea.Cmd{m.waitForSnapshot()}
		switch m.snap.State {
		case gpclient.StateAuthenticating, gpclient.StateConnecting, gpclient.StateDisconnecting:
			cmds = append(cmds, m.spin.Tick)
		case gpclient.StateIdle:
			// Back on the editable view; drop the stale passwords.
			m.inputs[fieldPassword].SetValue("")
			m.inputs[fieldSudo].SetValue("")
		}
		return m, tea.Batch(cmds...)

	case snapshotsClosedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.updateKey(msg)
	}

	return m, nil
}

// updateKey routes key presses by the current lifecycle state.
func (m model) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		// Window close: force teardown before exiting.
		m.unsub()
		m.exit.Trigger()
		return m, tea.Quit
	}

	switch m.snap.State {
	case gpclient.StateIdle:
		return m.updateForm(msg)
	case gpclient.StateConnected:
		if msg.String() == "d" || msg.String() == "enter" {
			if err := m.manager.Disconnect(); err != nil {
				m.quitErr = err.Error()
			}
		}
	case gpclient.StateAuthenticating, gpclient.StateConnecting:
		if msg.String() == "d" {
			// Cancel the in-flight attempt.
			_ = m.manager.Disconnect()
		}
	}
	return m, nil
}

// updateForm handles the editable authentication view.
func (m model) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "tab", "down":
		m.setFocus((m.focus + 1) % fieldCount)
		return m, nil
	case "shift+tab", "up":
		m.setFocus((m.focus + fieldCount - 1) % fieldCount)
		return m, nil
	case "enter":
		if m.focus < fieldPassword {
			m.setFocus(m.focus + 1)
			return m, nil
		}
		return m, m.submit()
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

func (m *model) setFocus(idx int) {
	m.inputs[m.focus].Blur()
	m.focus = idx
	m.inputs[m.focus].Focus()
}

// submit issues the connect command. The result arrives as snapshots;
// synchronous rejections surface through the snapshot's Err field too,
// so nothing extra to render here.
func (m model) submit() tea.Cmd {
	req := gpclient.Config{
		Gateway:      strings.TrimSpace(m.inputs[fieldGateway].Value()),
		Username:     strings.TrimSpace(m.inputs[fieldUsername].Value()),
		Password:     m.inputs[fieldPassword].Value(),
		SudoPassword: m.inputs[fieldSudo].Value(),
		FixOpenSSL:   m.cfg.FixOpenSSL,
		AsGateway:    m.cfg.AsGateway,
	}

	return func() tea.Msg {
		if err := m.manager.Connect(req); err != nil {
			common.LogDebug("Connect rejected: %v", err)
			return nil
		}
		if err := config.SaveSession(&config.Session{Server: req.Gateway, Username: req.Username}); err != nil {
			common.LogWarn("Failed to save session: %v", err)
		}
		return nil
	}
}

// View implements tea.Model.
func (m model) View() string {
	title := titleStyle.Render(fmt.Sprintf("%s %s", common.AppName, m.version))

	var body string
	switch m.snap.State {
	case gpclient.StateAuthenticating, gpclient.StateConnecting, gpclient.StateDisconnecting:
		body = m.viewBusy()
	case gpclient.StateConnected:
		body = m.viewConnected()
	default:
		body = m.viewForm()
	}

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, body)) + "\n"
}

// viewForm renders the editable authentication view, including the
// failure message of the previous attempt when there is one.
func (m model) viewForm() string {
	var b strings.Builder

	b.WriteString(statusIdleStyle.Render("● Disconnected"))
	b.WriteString("\n\n")

	labels := [fieldCount]string{"VPN Server", "Username", "Password", "Sudo Password"}
	for i := 0; i < fieldCount; i++ {
		b.WriteString(labelStyle.Render(labels[i]))
		b.WriteString("\n")
		b.WriteString(m.inputs[i].View())
		b.WriteString("\n")
	}

	if m.snap.Err != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.snap.Err))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("tab: next field • enter: connect • esc: quit"))
	return b.String()
}

// viewBusy renders the in-flight phases.
func (m model) viewBusy() string {
	var b strings.Builder
	b.WriteString(statusBusyStyle.Render(m.spin.View() + " " + m.snap.State.String()))
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("Please wait while the VPN connection is established."))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("d: cancel • esc: quit"))
	return b.String()
}

// viewConnected renders the established-tunnel view from the stats
// snapshot.
func (m model) viewConnected() string {
	var b strings.Builder
	b.WriteString(statusConnectedStyle.Render("● Connected"))
	b.WriteString("\n\n")

	stats := m.snap.Stats
	if stats != nil {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Gateway:     "), stats.Gateway)
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Username:    "), stats.Username)
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Connected at:"), stats.ConnectedAt.Format("2006-01-02 15:04:05"))
	}

	if m.quitErr != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.quitErr))
		b.WriteString("\n")
	}

	b.WriteString(helpStyle.Render("d/enter: disconnect • esc: quit"))
	return b.String()
}
