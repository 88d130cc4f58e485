package selector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"tunnel/internal/target"
	"tunnel/internal/tunnelerr"
	"tunnel/pkg/logging"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// ErrNotTerminal is returned when there is no terminal to select on.
var ErrNotTerminal = errors.New("standard input is not a terminal; pass --target <id|query> to choose a target")

// Options tune Select. The zero value uses the process's stdin and stdout.
type Options struct {
	Title  string
	Input  io.Reader
	Output io.Writer
	// IsTerminal overrides the TTY check on stdin.
	IsTerminal func() bool
	// AltScreen renders the list on the alternate screen.
	AltScreen bool
}

func stdinIsTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Select shows targets in a filterable list as they are discovered and returns the one
// the user picks. Escape, ctrl+c and cancelling ctx return tunnelerr.ErrUserCancelled.
// An AuthError from the catalog ends the selection with that error.
func Select(ctx context.Context, targets iter.Seq2[target.Target, error], opts Options) (target.Target, error) {
	isTerminal := opts.IsTerminal
	if isTerminal == nil {
		isTerminal = stdinIsTerminal
	}
	if !isTerminal() {
		return target.Target{}, ErrNotTerminal
	}
	if opts.Title == "" {
		opts.Title = "Select a target"
	}

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	ch := make(chan tea.Msg)
	go feed(feedCtx, targets, ch)

	programOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.Input != nil {
		programOpts = append(programOpts, tea.WithInput(opts.Input))
	}
	if opts.Output != nil {
		programOpts = append(programOpts, tea.WithOutput(opts.Output))
	}
	if opts.AltScreen {
		programOpts = append(programOpts, tea.WithAltScreen())
	}

	final, err := tea.NewProgram(newModel(ch, opts.Title), programOpts...).Run()
	if ctx.Err() != nil {
		return target.Target{}, tunnelerr.ErrUserCancelled
	}
	if err != nil {
		return target.Target{}, fmt.Errorf("running selector: %w", err)
	}
	return result(final.(model))
}

func result(m model) (target.Target, error) {
	switch {
	case m.err != nil:
		return target.Target{}, m.err
	case m.chosen != nil:
		logging.Debug("Selector", "Selected %s", m.chosen.ID)
		return *m.chosen, nil
	default:
		return target.Target{}, tunnelerr.ErrUserCancelled
	}
}

// feed forwards the catalog into ch until it is exhausted or ctx is done. Breaking out of
// the range stops the resolver's sources.
func feed(ctx context.Context, targets iter.Seq2[target.Target, error], ch chan<- tea.Msg) {
	defer close(ch)
	for t, err := range targets {
		var msg tea.Msg = targetMsg{t: t}
		if err != nil {
			msg = lookupMsg{err: err}
		}
		select {
		case ch <- msg:
		case <-ctx.Done():
			return
		}
	}
}
