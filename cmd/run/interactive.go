package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/config"
	"github.com/wippyai/wasm-ffi/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
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

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

// interactiveModel keeps one instance for the whole session so handles
// returned by one call can be passed to the next.
type interactiveModel struct {
	err      error
	cfg      config.Config
	closeAll func()
	instance *runtime.Instance
	filename string
	result   string
	funcs    []api.FunctionDefinition
	input    textinput.Model
	selected int
	state    modelState
}

func newInteractiveModel(filename string, cfg config.Config) *interactiveModel {
	return &interactiveModel{
		filename: filename,
		cfg:      cfg,
		state:    stateSelectFunc,
	}
}

type loadedMsg struct {
	err      error
	inst     *runtime.Instance
	closeAll func()
	funcs    []api.FunctionDefinition
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *interactiveModel) loadModule() tea.Msg {
	ctx := context.Background()

	mod, closeAll, err := open(ctx, m.cfg, m.filename)
	if err != nil {
		return loadedMsg{err: err}
	}

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		closeAll()
		return loadedMsg{err: err}
	}

	return loadedMsg{inst: inst, closeAll: closeAll, funcs: mod.Exports()}
}

func (m *interactiveModel) shutdown() {
	ctx := context.Background()
	if m.instance != nil {
		_ = m.instance.Close(ctx)
	}
	if m.closeAll != nil {
		m.closeAll()
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.shutdown()
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				m.shutdown()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					break
				}
				if len(m.funcs[m.selected].ParamTypes()) == 0 {
					return m, m.callFunction
				}
				m.prepareInput()
				m.state = stateInputArgs
				return m, textinput.Blink

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "esc":
			switch m.state {
			case stateInputArgs, stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.instance = msg.inst
		m.closeAll = msg.closeAll
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *interactiveModel) prepareInput() {
	def := m.funcs[m.selected]
	ti := textinput.New()
	ti.Prompt = "args: "
	ti.Width = 60
	types := make([]string, len(def.ParamTypes()))
	for i, t := range def.ParamTypes() {
		types[i] = api.ValueTypeName(t)
	}
	ti.Placeholder = strings.Join(types, " ")
	ti.Focus()
	m.input = ti
}

func (m *interactiveModel) callFunction() tea.Msg {
	if m.instance == nil {
		return callResultMsg{err: fmt.Errorf("module not loaded")}
	}

	def := m.funcs[m.selected]
	var raw []string
	if m.state == stateInputArgs {
		raw = strings.Fields(m.input.Value())
	}

	rep, err := execute(context.Background(), m.instance, m.funcs, def.Name(), raw)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: strings.TrimRight(rep.String(), "\n")}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.instance == nil {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Native Module Runner"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, def := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + signature(def)))
			} else {
				b.WriteString("  " + formatFunc(def))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		def := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", formatFunc(def)))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("i32:N i64:N f64:X str:TEXT str16:TEXT sink wbuf ret:N • enter call • esc back"))

	case stateShowResult:
		def := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(def.Name())))
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

func formatFunc(def api.FunctionDefinition) string {
	params := make([]string, len(def.ParamTypes()))
	for i, t := range def.ParamTypes() {
		params[i] = typeStyle.Render(api.ValueTypeName(t))
	}
	s := funcStyle.Render(def.Name()) + "(" + strings.Join(params, ", ") + ")"
	if results := def.ResultTypes(); len(results) > 0 {
		names := make([]string, len(results))
		for i, t := range results {
			names[i] = api.ValueTypeName(t)
		}
		s += " -> " + typeStyle.Render(strings.Join(names, ", "))
	}
	return s
}

func runInteractive(filename string, cfg config.Config) error {
	// Console output from the module would tear the alternate screen.
	cfg.LogLevel = "error"
	p := tea.NewProgram(newInteractiveModel(filename, cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
