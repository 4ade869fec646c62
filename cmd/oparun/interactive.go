package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tamasfe/opa-go/bundle"
	"github.com/tamasfe/opa-go/wasm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	epStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#98FB98"))

	noteStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveConfig struct {
	modulePath string
	bundlePath string
	dataPath   string
	watch      bool
}

type modelState int

const (
	stateSelectEntrypoint modelState = iota
	stateInputJSON
	stateShowResult
)

type interactiveModel struct {
	cfg      interactiveConfig
	err      error
	eng      *wasm.Opa
	eps      []string
	input    textinput.Model
	selected int
	state    modelState
	result   string
	reloads  int
}

func newInteractiveModel(cfg interactiveConfig) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "{}"
	ti.Prompt = "input: "
	ti.Width = 60
	return &interactiveModel{
		cfg:   cfg,
		input: ti,
		state: stateSelectEntrypoint,
	}
}

type loadedMsg struct {
	err error
	eng *wasm.Opa
	eps []string
}

type evalResultMsg struct {
	err    error
	result string
}

// bundleChangedMsg arrives from the watcher goroutine when the bundle
// file was rewritten and parsed successfully.
type bundleChangedMsg struct{}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadEngine
}

func (m *interactiveModel) loadEngine() tea.Msg {
	ctx := context.Background()
	eng, err := loadEngine(ctx, m.cfg.modulePath, m.cfg.bundlePath, m.cfg.dataPath)
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{eng: eng, eps: slices.Sorted(eng.Entrypoints())}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, m.quit()

		case "q":
			// q stays typable inside the JSON field
			if m.state != stateInputJSON {
				return m, m.quit()
			}

		case "up", "k":
			if m.state == stateSelectEntrypoint && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectEntrypoint && m.selected < len(m.eps)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectEntrypoint:
				if len(m.eps) == 0 {
					break
				}
				m.input.Focus()
				m.state = stateInputJSON

			case stateInputJSON:
				m.input.Blur()
				return m, m.evalEntrypoint

			case stateShowResult:
				m.state = stateSelectEntrypoint
				m.result = ""
				m.err = nil
			}

		case "esc":
			switch m.state {
			case stateInputJSON:
				m.input.Blur()
				m.state = stateSelectEntrypoint
			case stateShowResult:
				m.state = stateSelectEntrypoint
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.eng = msg.eng
		m.eps = msg.eps
		if m.selected >= len(m.eps) {
			m.selected = 0
		}

	case evalResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult

	case bundleChangedMsg:
		if m.eng != nil {
			m.eng.Close(context.Background())
			m.eng = nil
		}
		m.eps = nil
		m.reloads++
		return m, m.loadEngine
	}

	if m.state == stateInputJSON {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *interactiveModel) quit() tea.Cmd {
	if m.eng != nil {
		m.eng.Close(context.Background())
		m.eng = nil
	}
	return tea.Quit
}

func (m *interactiveModel) evalEntrypoint() tea.Msg {
	ctx := context.Background()
	if m.eng == nil {
		return evalResultMsg{err: fmt.Errorf("engine not loaded")}
	}
	ep := m.eps[m.selected]

	raw := strings.TrimSpace(m.input.Value())
	if raw == "" {
		raw = "{}"
	}

	var result json.RawMessage
	if err := m.eng.Eval(ctx, ep, json.RawMessage(raw), &result); err != nil {
		return evalResultMsg{err: err}
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		return evalResultMsg{err: err}
	}
	return evalResultMsg{result: pretty.String()}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.eng == nil {
		return "Loading policy..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("OPA Runner"))
	b.WriteString(" ")
	if m.cfg.bundlePath != "" {
		b.WriteString(m.cfg.bundlePath)
	} else {
		b.WriteString(m.cfg.modulePath)
	}
	abi := m.eng.ABI()
	b.WriteString(noteStyle.Render(fmt.Sprintf("  abi %d.%d", abi.Major, abi.Minor)))
	if m.reloads > 0 {
		b.WriteString(noteStyle.Render(fmt.Sprintf("  reloaded x%d", m.reloads)))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectEntrypoint:
		b.WriteString("Select an entrypoint to evaluate:\n\n")
		for i, ep := range m.eps {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + ep))
			} else {
				b.WriteString(cursor + epStyle.Render(ep))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter evaluate • q quit"))

	case stateInputJSON:
		b.WriteString(fmt.Sprintf("Evaluating %s\n\n", epStyle.Render(m.eps[m.selected])))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter evaluate • esc back"))

	case stateShowResult:
		b.WriteString(fmt.Sprintf("Decision from %s:\n\n", epStyle.Render(m.eps[m.selected])))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func runInteractive(cfg interactiveConfig) error {
	p := tea.NewProgram(newInteractiveModel(cfg), tea.WithAltScreen())

	if cfg.watch {
		w, err := bundle.NewWatcher(cfg.bundlePath, 0, nil)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			// Watch already reparsed the bundle; the model reloads from
			// disk so a torn write can never replace a working engine.
			_ = w.Watch(ctx, func(*bundle.Bundle) {
				p.Send(bundleChangedMsg{})
			})
		}()
		defer w.Stop()
	}

	_, err := p.Run()
	return err
}
