// Package tui is a terminal chat client for an agentrelay server.
//
// Prompts become runs on the server; pushed run events are folded into a
// reducer.Store and the conversation is rendered from it.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/holon-run/agentrelay/pkg/backend"
	"github.com/holon-run/agentrelay/pkg/event"
	"github.com/holon-run/agentrelay/pkg/reducer"
	"github.com/holon-run/agentrelay/pkg/serve"
)

const (
	rpcTimeout    = 30 * time.Second
	maxEventBatch = 256
)

type focusArea int

const (
	focusInput focusArea = iota
	focusConversation
)

type drawer int

const (
	drawerNone drawer = iota
	drawerLogs
)

// Options configures a chat App.
type Options struct {
	Client RunClient
	// Events are the run events pushed to Client's endpoint.
	Events         <-chan event.Event
	Store          *reducer.Store
	Backend        backend.Kind
	ConversationID string
	Cwd            string
	ExtraArgs      []string
}

// App is the chat model.
type App struct {
	client    RunClient
	events    <-chan event.Event
	store     *reducer.Store
	backend   backend.Kind
	convID    string
	cwd       string
	extraArgs []string
	newID     func() string

	input        textarea.Model
	conversation viewport.Model
	spinner      spinner.Model

	width  int
	height int
	focus  focusArea
	drawer drawer

	activeRun     string
	statusLine    string
	err           error
	hasUnreadChat bool
	disconnected  bool
	quitting      bool

	tracer *tuiDebugTracer
}

type eventsMsg struct {
	events []event.Event
	closed bool
}

type runStartedMsg struct {
	runID string
	err   error
}

type runCanceledMsg struct {
	runID string
	ok    bool
	err   error
}

// NewApp creates a chat bound to opts.Client.
func NewApp(opts Options) *App {
	input := textarea.New()
	input.Placeholder = "Ask the agent… (Enter to send, Ctrl+J for a newline, /help for commands)"
	input.Prompt = "┃ "
	input.ShowLineNumbers = false
	input.CharLimit = 0
	input.SetHeight(3)
	input.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("ctrl+j"))
	input.Focus()

	conv := viewport.New(0, 0)
	conv.MouseWheelEnabled = true

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = runningStyle

	store := opts.Store
	if store == nil {
		store = reducer.New()
	}
	kind := opts.Backend
	if kind == "" {
		kind = backend.Claude
	}
	convID := strings.TrimSpace(opts.ConversationID)
	if convID == "" {
		convID = uuid.NewString()
	}

	return &App{
		client:       opts.Client,
		events:       opts.Events,
		store:        store,
		backend:      kind,
		convID:       convID,
		cwd:          opts.Cwd,
		extraArgs:    opts.ExtraArgs,
		newID:        uuid.NewString,
		input:        input,
		conversation: conv,
		spinner:      sp,
		statusLine:   "ready",
		tracer:       newTUIDebugTracerFromEnv(),
	}
}

// Run drives the chat until the user quits or ctx is done.
func Run(ctx context.Context, opts Options) error {
	app := NewApp(opts)
	defer app.tracer.close()

	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run chat: %w", err)
	}
	return nil
}

// Init starts the cursor blink, the spinner and the event pump.
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		a.spinner.Tick,
		waitForEvents(a.events),
	)
}

// Update handles messages and updates state
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		a.refreshConversation()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case eventsMsg:
		return a, a.handleEvents(msg)

	case runStartedMsg:
		a.tracer.trace("run.started", map[string]interface{}{"run_id": msg.runID, "error": errString(msg.err)})
		if msg.err != nil {
			a.store.Apply(event.Error{Header: event.Header{RunID: msg.runID}, Message: msg.err.Error()})
			if a.activeRun == msg.runID {
				a.activeRun = ""
			}
			a.err = msg.err
			a.statusLine = "failed to start run"
			a.refreshConversation()
		}
		return a, nil

	case runCanceledMsg:
		switch {
		case msg.err != nil:
			a.err = msg.err
			a.statusLine = "cancel failed"
		case msg.ok:
			a.statusLine = "canceling " + shortID(msg.runID)
		default:
			a.statusLine = "run already finished"
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		if a.activeRun != "" {
			return a, a.cancelRun()
		}
		a.quitting = true
		return a, tea.Quit

	case "ctrl+d":
		a.quitting = true
		return a, tea.Quit

	case "tab", "shift+tab":
		if a.focus == focusInput {
			a.focus = focusConversation
			a.input.Blur()
			return a, nil
		}
		a.focus = focusInput
		a.drawer = drawerNone
		return a, a.input.Focus()

	case "esc":
		if a.drawer != drawerNone {
			a.drawer = drawerNone
			a.refreshConversation()
			return a, nil
		}
		if a.activeRun != "" {
			return a, a.cancelRun()
		}
		return a, nil

	case "pgup", "pgdown":
		var cmd tea.Cmd
		a.conversation, cmd = a.conversation.Update(msg)
		a.clearUnreadAtBottom()
		return a, cmd
	}

	if a.focus == focusConversation {
		switch msg.String() {
		case "l":
			if a.drawer == drawerLogs {
				a.drawer = drawerNone
			} else {
				a.drawer = drawerLogs
			}
			a.refreshConversation()
			return a, nil
		case "G", "end":
			a.conversation.GotoBottom()
			a.hasUnreadChat = false
			return a, nil
		}
		var cmd tea.Cmd
		a.conversation, cmd = a.conversation.Update(msg)
		a.clearUnreadAtBottom()
		return a, cmd
	}

	if msg.Type == tea.KeyEnter {
		return a, a.submit()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleEvents(msg eventsMsg) tea.Cmd {
	for _, ev := range msg.events {
		a.tracer.trace("event", traceFieldsFromEvent(ev))
		if exit, ok := ev.(event.Exit); ok && exit.RunID == a.activeRun {
			a.activeRun = ""
			a.statusLine = exitSummary(exit)
		}
	}
	if a.store.ApplyBatch(msg.events) > 0 {
		a.refreshConversation()
	}
	if msg.closed {
		a.disconnected = true
		a.activeRun = ""
		a.statusLine = "disconnected from server"
		return nil
	}
	return waitForEvents(a.events)
}

// submit sends the input as a prompt or runs a slash command.
func (a *App) submit() tea.Cmd {
	text := strings.TrimSpace(a.input.Value())
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "/") {
		a.input.Reset()
		return a.runCommand(text)
	}
	if a.activeRun != "" {
		a.statusLine = "a run is in progress; Esc cancels it"
		return nil
	}
	if a.disconnected {
		a.statusLine = "not connected"
		return nil
	}

	runID := a.newID()
	if err := a.store.Begin(a.convID, a.backend, runID, text); err != nil {
		a.err = err
		return nil
	}
	a.activeRun = runID
	a.err = nil
	a.statusLine = fmt.Sprintf("running %s", a.backend)
	a.input.Reset()
	a.focusBottom()

	params := serve.RunStartParams{
		Backend:        string(a.backend),
		Cwd:            a.cwd,
		Prompt:         text,
		ExtraArgs:      a.extraArgs,
		RunID:          runID,
		ResumeID:       a.store.ResumeID(a.convID, a.backend),
		ConversationID: a.convID,
	}
	client := a.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		id, err := client.StartRun(ctx, params)
		if id == "" {
			id = runID
		}
		return runStartedMsg{runID: id, err: err}
	}
}

func (a *App) runCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		a.quitting = true
		return tea.Quit

	case "/new":
		if a.activeRun != "" {
			a.statusLine = "a run is in progress; Esc cancels it"
			return nil
		}
		a.convID = a.newID()
		a.statusLine = "new conversation " + shortID(a.convID)
		a.refreshConversation()
		return nil

	case "/backend":
		if len(fields) < 2 {
			a.statusLine = "backends: " + strings.Join(backend.Names(), ", ")
			return nil
		}
		kind, err := backend.Parse(fields[1])
		if err != nil {
			a.err = err
			return nil
		}
		a.backend = kind
		a.err = nil
		a.statusLine = "backend set to " + string(kind)
		return nil

	case "/cancel":
		if a.activeRun == "" {
			a.statusLine = "nothing to cancel"
			return nil
		}
		return a.cancelRun()

	case "/help":
		a.statusLine = "/backend <kind>  /new  /cancel  /quit"
		return nil
	}

	a.err = fmt.Errorf("unknown command %s", fields[0])
	return nil
}

func (a *App) cancelRun() tea.Cmd {
	runID := a.activeRun
	client := a.client
	a.statusLine = "canceling " + shortID(runID)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		ok, err := client.CancelRun(ctx, runID)
		return runCanceledMsg{runID: runID, ok: ok, err: err}
	}
}

func (a *App) resize() {
	w := maxInt(20, a.width-2)
	a.input.SetWidth(maxInt(10, w-2))
	a.conversation.Width = w - 2
	// header, status, help and the input's border
	chrome := 2 + 1 + 1 + a.input.Height() + 4
	a.conversation.Height = maxInt(3, a.height-chrome)
}

// refreshConversation re-renders the store and keeps the viewport pinned to
// the bottom unless the user scrolled away.
func (a *App) refreshConversation() {
	wasAtBottom := a.conversation.AtBottom()
	a.conversation.SetContent(a.renderConversation())
	if wasAtBottom {
		a.conversation.GotoBottom()
		return
	}
	a.hasUnreadChat = true
}

func (a *App) focusBottom() {
	a.conversation.SetContent(a.renderConversation())
	a.conversation.GotoBottom()
	a.hasUnreadChat = false
}

func (a *App) clearUnreadAtBottom() {
	if a.conversation.AtBottom() {
		a.hasUnreadChat = false
	}
}

// waitForEvents blocks for one event, then drains whatever else is queued so
// bursts are applied in one batch.
func waitForEvents(ch <-chan event.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsMsg{closed: true}
		}
		batch := []event.Event{ev}
		for len(batch) < maxEventBatch {
			select {
			case ev, ok := <-ch:
				if !ok {
					return eventsMsg{events: batch, closed: true}
				}
				batch = append(batch, ev)
			default:
				return eventsMsg{events: batch}
			}
		}
		return eventsMsg{events: batch}
	}
}

func exitSummary(e event.Exit) string {
	switch {
	case e.Signal != "":
		return "run terminated by " + e.Signal
	case e.Code == 0:
		return fmt.Sprintf("done in %s", time.Duration(e.DurationMS)*time.Millisecond)
	default:
		return fmt.Sprintf("run exited with code %d", e.Code)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
