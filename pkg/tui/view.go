package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/holon-run/agentrelay/pkg/reducer"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6")).
			Bold(true).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("4"))

	focusedBorderStyle = borderStyle.
				BorderForeground(lipgloss.Color("6"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)

	userMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("4")).
			Bold(true)

	assistantMsgStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")).
				Bold(true)

	logStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
)

// View renders the UI
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	var b strings.Builder

	b.WriteString(a.renderHeader())
	b.WriteString("\n\n")

	panel := borderStyle
	if a.focus == focusConversation {
		panel = focusedBorderStyle
	}
	b.WriteString(panel.Render(a.conversation.View()))
	b.WriteString("\n")

	b.WriteString(a.renderStatus())
	b.WriteString("\n")
	b.WriteString(a.input.View())
	b.WriteString("\n")
	b.WriteString(a.renderHelp())

	return b.String()
}

func (a *App) renderHeader() string {
	endpoint := ""
	if a.client != nil {
		endpoint = a.client.Endpoint()
	}
	title := titleStyle.Render("agentrelay chat")
	info := helpStyle.Render(fmt.Sprintf("backend %s | conversation %s | endpoint %s",
		a.backend, shortID(a.convID), shortID(endpoint)))
	return lipgloss.JoinHorizontal(lipgloss.Top, title, info)
}

func (a *App) renderStatus() string {
	if a.err != nil {
		return errorStyle.Padding(0, 1).Render("Error: " + a.err.Error())
	}
	line := a.statusLine
	if a.activeRun != "" {
		line = a.spinner.View() + " " + line
	}
	if a.hasUnreadChat {
		line += "  [new output below: End/G]"
	}
	if a.disconnected {
		return errorStyle.Padding(0, 1).Render(line)
	}
	return statusStyle.Render(line)
}

func (a *App) renderHelp() string {
	if a.focus == focusConversation {
		return helpStyle.Render("[Tab] Input | [↑/↓/PgUp/PgDn] Scroll | [l] Toggle Logs | [G] Bottom | [Esc] Cancel Run | [Ctrl+D] Quit")
	}
	return helpStyle.Render("[Enter] Send | [Ctrl+J] Newline | [Tab] Conversation | [Esc/Ctrl+C] Cancel Run | [Ctrl+D] Quit")
}

func (a *App) renderConversation() string {
	conv, ok := a.store.Conversation(a.convID)
	if !ok || len(conv.Messages) == 0 {
		return statusStyle.Render("No messages yet")
	}

	width := maxInt(20, a.conversation.Width-2)
	var b strings.Builder
	for i, msg := range conv.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(userMsgStyle.Render("You"))
		b.WriteString("\n")
		b.WriteString(wrap(msg.Prompt, width))
		b.WriteString("\n\n")
		b.WriteString(assistantMsgStyle.Render(string(msg.Backend)))
		b.WriteString(" ")
		b.WriteString(renderMessageStatus(msg))
		b.WriteString("\n")
		if msg.Output != "" {
			b.WriteString(wrap(msg.Output, width))
			b.WriteString("\n")
		}
		if msg.Error != "" {
			b.WriteString(errorStyle.Render(wrap(msg.Error, width)))
			b.WriteString("\n")
		}
		if a.drawer == drawerLogs && len(msg.Logs) > 0 {
			b.WriteString(renderLogs(msg.Logs, width))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderMessageStatus(msg *reducer.Message) string {
	switch msg.Status {
	case reducer.StatusRunning:
		return runningStyle.Render("[running]")
	case reducer.StatusSuccess:
		return statusStyle.UnsetPadding().Render("[✓]")
	default:
		return errorStyle.Render("[!]")
	}
}

func renderLogs(logs []reducer.LogEntry, width int) string {
	var b strings.Builder
	for _, entry := range logs {
		line := strings.TrimRight(entry.Text, "\r\n")
		if len(line) > width {
			line = line[:maxInt(0, width-3)] + "..."
		}
		b.WriteString(logStyle.Render(fmt.Sprintf("%s│ %s", entry.Stream, line)))
		b.WriteString("\n")
	}
	return b.String()
}

// wrap hard-wraps s at width, preserving existing line breaks.
func wrap(s string, width int) string {
	return lipgloss.NewStyle().Width(width).Render(s)
}
