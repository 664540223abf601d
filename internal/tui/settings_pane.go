package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/conductor/internal/config"
)

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.ConductorConfig
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (numbers as strings for Huh inputs)
	saveTarget     string
	maxAgents      string
	maxQueue       string
	taskTimeoutMS  string
	lockTTLMS      string
	conflictPolicy string
	autoResolve    bool
}

// NewSettingsPaneModel creates a new settings pane bound to cfg.
func NewSettingsPaneModel(cfg *config.ConductorConfig, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
		visible:     false,
		saved:       false,

		saveTarget:     "project",
		maxAgents:      strconv.Itoa(cfg.MaxConcurrentAgents),
		maxQueue:       strconv.Itoa(cfg.MaxQueueSize),
		taskTimeoutMS:  strconv.Itoa(cfg.TaskTimeoutMS),
		lockTTLMS:      strconv.Itoa(cfg.LockTTLMS),
		conflictPolicy: cfg.ConflictPolicy,
		autoResolve:    cfg.AutoResolveConflicts,
	}

	m.buildForm()
	return m
}

// positiveInt validates a form field as a positive integer.
func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if n < 1 {
		return fmt.Errorf("must be at least 1")
	}
	return nil
}

// buildForm constructs the Huh form with all settings fields.
func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.conductor/config.json)", "global"),
					huh.NewOption("Project (.conductor/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxAgents").
				Title("Max Concurrent Agents").
				Value(&m.maxAgents).
				Validate(positiveInt),

			huh.NewInput().
				Key("maxQueue").
				Title("Max Queue Size").
				Value(&m.maxQueue).
				Validate(positiveInt),

			huh.NewInput().
				Key("taskTimeout").
				Title("Task Timeout (ms)").
				Value(&m.taskTimeoutMS).
				Validate(positiveInt),

			huh.NewInput().
				Key("lockTTL").
				Title("Lock TTL (ms)").
				Value(&m.lockTTLMS).
				Validate(positiveInt),
		).Title("Scheduling"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("conflictPolicy").
				Title("Conflict Policy").
				Options(
					huh.NewOption("First writer wins", "first_writer_wins"),
					huh.NewOption("Reporter wins", "reporter_wins"),
				).
				Value(&m.conflictPolicy),

			huh.NewConfirm().
				Key("autoResolve").
				Title("Auto-Resolve Conflicts").
				Affirmative("Yes").
				Negative("No").
				Value(&m.autoResolve),
		).Title("Conflicts"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			// Cancel without saving
			m.visible = false
			m.saved = false
			return m, nil
		}
	}

	// Delegate to form
	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.applyFormToConfig()

		targetPath := m.globalPath
		if m.saveTarget == "project" {
			targetPath = m.projectPath
		}

		if err := config.Save(m.config, targetPath); err != nil {
			m.err = err
			m.saved = false
		} else {
			m.saved = true
			m.err = nil
		}

		// Hide form after a successful save
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// applyFormToConfig copies the form field values back to the config struct.
// Fields are pre-validated, so Atoi failures just keep the old value.
func (m *SettingsPaneModel) applyFormToConfig() {
	if n, err := strconv.Atoi(m.maxAgents); err == nil {
		m.config.MaxConcurrentAgents = n
	}
	if n, err := strconv.Atoi(m.maxQueue); err == nil {
		m.config.MaxQueueSize = n
	}
	if n, err := strconv.Atoi(m.taskTimeoutMS); err == nil {
		m.config.TaskTimeoutMS = n
	}
	if n, err := strconv.Atoi(m.lockTTLMS); err == nil {
		m.config.LockTTLMS = n
	}
	m.config.ConflictPolicy = m.conflictPolicy
	m.config.AutoResolveConflicts = m.autoResolve
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string

	if m.saved && m.form.State == huh.StateCompleted {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true).
			Render("✓ Settings saved successfully!")
	} else if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	body := style.Render(content)

	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil

	if v && m.form != nil {
		// Rebuild form to reset state
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
