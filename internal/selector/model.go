package selector

import (
	"fmt"
	"strings"
	"tunnel/internal/target"
	"tunnel/internal/tunnelerr"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
)

// Messages produced by the catalog reader.
type (
	targetMsg struct{ t target.Target }
	lookupMsg struct{ err error }
	doneMsg   struct{}
)

var (
	keyChoose = key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "open tunnel"))
	keyCancel = key.NewBinding(key.WithKeys("esc", "ctrl+c"), key.WithHelp("esc", "cancel"))
)

// model is the selector's bubbletea model. The catalog arrives over ch one message at a
// time, so the list fills while discovery is still running.
type model struct {
	list     list.Model
	ch       <-chan tea.Msg
	loading  bool
	failures []error

	chosen    *target.Target
	cancelled bool
	err       error
}

func newModel(ch <-chan tea.Msg, title string) model {
	l := list.New(nil, delegate{}, 80, 20)
	l.Title = title
	l.Styles.Title = titleStyle
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetStatusBarItemName("target", "targets")
	l.DisableQuitKeybindings()
	l.AdditionalShortHelpKeys = func() []key.Binding { return []key.Binding{keyChoose, keyCancel} }
	return model{list: l, ch: ch, loading: true}
}

// readNext waits for the next catalog message.
func readNext(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return doneMsg{}
		}
		return msg
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(readNext(m.ch), m.list.StartSpinner())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height-1)
		return m, nil

	case targetMsg:
		cmd := m.list.InsertItem(len(m.list.Items()), item{t: msg.t})
		return m, tea.Batch(cmd, readNext(m.ch))

	case lookupMsg:
		if tunnelerr.IsAuth(msg.err) {
			m.err = msg.err
			return m, tea.Quit
		}
		m.failures = append(m.failures, msg.err)
		cmd := m.list.NewStatusMessage(warningStyle.Render(fmt.Sprintf("%d source(s) failed, list may be incomplete", len(m.failures))))
		return m, tea.Batch(cmd, readNext(m.ch))

	case doneMsg:
		m.loading = false
		m.list.StopSpinner()
		if len(m.list.Items()) == 0 {
			m.err = m.emptyCatalogError()
			return m, tea.Quit
		}
		return m, nil

	case tea.KeyMsg:
		// esc first clears an active filter, ctrl+c always cancels
		switch {
		case msg.String() == "ctrl+c":
			m.cancelled = true
			return m, tea.Quit
		case key.Matches(msg, keyCancel) && m.list.FilterState() == list.Unfiltered:
			m.cancelled = true
			return m, tea.Quit
		case key.Matches(msg, keyChoose):
			if it, ok := m.list.SelectedItem().(item); ok {
				t := it.t
				m.chosen = &t
				return m, tea.Quit
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) emptyCatalogError() error {
	if len(m.failures) == 0 {
		return tunnelerr.Lookup("list targets", fmt.Errorf("no targets found"))
	}
	msgs := make([]string, 0, len(m.failures))
	for _, err := range m.failures {
		msgs = append(msgs, err.Error())
	}
	return tunnelerr.Lookup("list targets", fmt.Errorf("no targets found; %s", strings.Join(msgs, "; ")))
}

func (m model) View() string {
	if m.chosen != nil || m.cancelled || m.err != nil {
		return ""
	}
	view := m.list.View()
	if !m.loading && len(m.failures) > 0 {
		view += "\n" + errorStyle.Render(fmt.Sprintf(" %d source(s) failed", len(m.failures)))
	}
	return view
}
