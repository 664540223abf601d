package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/events"
)

// TaskState is one task's display record: its current status plus the
// scheduling log assembled from the bus events that mention it.
type TaskState struct {
	ID        string
	Name      string
	Agent     string
	Status    string // queued, running, retrying, complete, failed, conflict
	Log       []string
	StartedAt time.Time
	Duration  time.Duration
}

// TaskPaneModel renders the task list alongside a scrollable per-task
// event log.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing progress bursts
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	vp := viewport.New(0, 0)
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			// Delegate other keys to the viewport for scrolling.
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskQueuedEvent:
		m.ensure(msg.ID, msg.Name)
		m.tasks[msg.ID].Status = "queued"
		m.appendLog(msg.ID, msg.Timestamp, fmt.Sprintf("queued (%s priority)", msg.Priority))

	case events.TaskStartedEvent:
		m.ensure(msg.ID, msg.Name)
		task := m.tasks[msg.ID]
		task.Status = "running"
		task.Agent = msg.Agent
		if task.StartedAt.IsZero() {
			task.StartedAt = msg.Timestamp
		}
		line := fmt.Sprintf("attempt %d started on %s", msg.Attempt, msg.Agent)
		if len(msg.Files) > 0 {
			line += " [" + strings.Join(msg.Files, ", ") + "]"
		}
		m.appendLog(msg.ID, msg.Timestamp, line)

	case events.TaskProgressEvent:
		if _, exists := m.tasks[msg.ID]; exists {
			line := fmt.Sprintf("%3d%%", msg.Percent)
			if msg.Note != "" {
				line += " " + msg.Note
			}
			m.appendLogQuiet(msg.ID, msg.Timestamp, line)
			// Progress can arrive in bursts; debounce the redraw.
			if m.selectedTaskID() == msg.ID {
				m.updateTag++
				tag := m.updateTag
				return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
					return tickMsg{tag: tag}
				})
			}
		}

	case events.TaskCompletedEvent:
		if task, exists := m.tasks[msg.ID]; exists {
			task.Status = "complete"
			task.Duration = msg.Duration
			m.appendLog(msg.ID, msg.Timestamp, fmt.Sprintf("completed in %v", msg.Duration.Round(time.Millisecond)))
		}

	case events.TaskFailedEvent:
		if task, exists := m.tasks[msg.ID]; exists {
			if msg.Retrying {
				task.Status = "retrying"
				m.appendLog(msg.ID, msg.Timestamp, fmt.Sprintf("attempt %d failed: %s (will retry)", msg.Attempt, msg.Err))
			} else {
				task.Status = "failed"
				m.appendLog(msg.ID, msg.Timestamp, fmt.Sprintf("failed: %s", msg.Err))
			}
		}

	case events.TaskConflictEvent:
		if task, exists := m.tasks[msg.ID]; exists {
			if msg.Resolution == "" {
				task.Status = "conflict"
				m.appendLog(msg.ID, msg.Timestamp, fmt.Sprintf("conflict on %s (lock held by %s)", msg.File, msg.HeldBy))
			} else {
				m.appendLog(msg.ID, msg.Timestamp, fmt.Sprintf("conflict on %s resolved: %s", msg.File, msg.Resolution))
			}
		}

	case events.LockAcquiredEvent:
		if _, exists := m.tasks[msg.Task]; exists {
			m.appendLogQuiet(msg.Task, msg.Timestamp, "locked "+msg.File)
		}

	case events.LockExpiredEvent:
		if _, exists := m.tasks[msg.Task]; exists {
			m.appendLog(msg.Task, msg.Timestamp, fmt.Sprintf("lock on %s expired after %v", msg.File, msg.HeldFor.Round(time.Second)))
		}

	case tickMsg:
		// Only redraw if this tick matches the current tag (debouncing).
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

// ensure registers a task the first time any event mentions it.
func (m *TaskPaneModel) ensure(id, name string) {
	if _, exists := m.tasks[id]; exists {
		return
	}
	m.tasks[id] = &TaskState{ID: id, Name: name}
	m.taskOrder = append(m.taskOrder, id)
	// Auto-select the first task so the log pane is never empty.
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
		m.updateViewportContent()
	}
}

// appendLog records a line and refreshes the viewport when the task is
// selected.
func (m *TaskPaneModel) appendLog(taskID string, ts time.Time, line string) {
	m.appendLogQuiet(taskID, ts, line)
	if m.selectedTaskID() == taskID {
		m.updateViewportContent()
	}
}

// appendLogQuiet records a line without redrawing; callers debounce.
func (m *TaskPaneModel) appendLogQuiet(taskID string, ts time.Time, line string) {
	task, exists := m.tasks[taskID]
	if !exists {
		return
	}
	task.Log = append(task.Log, ts.Format("15:04:05")+" "+line)
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	// Two columns: task list on the left, event log viewport on the right.
	listWidth := 25
	viewportWidth := m.width - listWidth - 4

	listContent := m.renderTaskList(listWidth)
	viewportContent := m.viewport.View()

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		listContent,
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(viewportContent),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// renderTaskList renders the task list column.
func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	} else {
		for i, taskID := range m.taskOrder {
			task := m.tasks[taskID]
			icon := m.StatusIcon(task.Status)
			name := task.Name
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", icon, name)
			if i == m.selectedIdx {
				line = lipgloss.NewStyle().
					Background(lipgloss.Color("62")).
					Foreground(lipgloss.Color("0")).
					Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func (m TaskPaneModel) StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "retrying":
		return StyleStatusRunning.Render("↻")
	case "complete":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "conflict":
		return StyleStatusConflict.Render("!")
	default:
		return StyleStatusPending.Render("○")
	}
}

// selectedTaskID returns the ID of the currently selected task.
func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// updateViewportContent fills the viewport with the selected task's log.
func (m *TaskPaneModel) updateViewportContent() {
	taskID := m.selectedTaskID()
	if taskID == "" {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	task, exists := m.tasks[taskID]
	if !exists {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := task.Name
	if task.Agent != "" {
		header += "  (" + task.Agent + ")"
	}
	content := header + "\n\n" + strings.Join(task.Log, "\n")
	m.viewport.SetContent(content)
	// Auto-scroll to the newest line.
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *TaskPaneModel) resizeViewport() {
	listWidth := 25
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
