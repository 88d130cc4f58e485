package selector

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"tunnel/internal/target"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
)

// item adapts a target to the list.
type item struct {
	t target.Target
}

func (i item) Title() string { return i.t.DisplayName }

func (i item) Description() string {
	return fmt.Sprintf("%s  %s", i.t.ID, net.JoinHostPort(i.t.RemoteHost, strconv.Itoa(i.t.RemotePort)))
}

// FilterValue matches on the display name and the ID, the same strings --target accepts.
func (i item) FilterValue() string { return i.t.DisplayName + " " + i.t.ID }

// delegate renders one target per line:
//
//	▶ ◆ orders-prod  rds/orders-prod  postgres  orders.abc.eu-west-1.rds.amazonaws.com:5432
type delegate struct{}

func (delegate) Height() int                             { return 1 }
func (delegate) Spacing() int                            { return 0 }
func (delegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (delegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	it, ok := listItem.(item)
	if !ok {
		return
	}
	width := m.Width() - 2
	if width <= 0 {
		width = 80
	}

	name := it.t.DisplayName
	rest := fmt.Sprintf("  %s  %s  %s", it.t.ID, it.t.Protocol,
		net.JoinHostPort(it.t.RemoteHost, strconv.Itoa(it.t.RemotePort)))

	icon := iconFor(it.t.Source)
	nameWidth := width - runewidth.StringWidth(icon)
	name = truncate(name, nameWidth)
	rest = truncate(rest, nameWidth-runewidth.StringWidth(name))

	var line strings.Builder
	if index == m.Index() {
		line.WriteString(selectedStyle.Render("▶ " + icon + name))
	} else {
		line.WriteString("  " + sourceStyle.Render(icon) + name)
	}
	line.WriteString(mutedStyle.Render(rest))
	fmt.Fprint(w, line.String())
}
