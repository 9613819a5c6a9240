// Package uiprogress renders a transfer's progress and confirmation
// prompts. It is deliberately thin (spec.md §1): pkg/facade depends
// only on the Reporter/Confirmer interfaces below, never on bubbles
// or lipgloss directly, so the core stays usable without a terminal
// (SPEC_FULL.md §4.10).
package uiprogress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Reporter receives transfer progress. DownloadFile/UploadFile call it
// after every chunk.
type Reporter interface {
	Report(transferred, total int)
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

const fallbackWidth = 80

// Bar is a Reporter that renders a static (non-animated) progress bar
// from github.com/charmbracelet/bubbles/progress: each call computes
// the current fraction and prints a carriage return followed by the
// label and model.ViewAs(fraction), so repeated calls overwrite the
// same terminal line instead of scrolling.
type Bar struct {
	out   io.Writer
	model progress.Model
	label string
}

// NewBar constructs a Bar writing to out, sized to the controlling
// terminal's width (falling back to 80 columns when stdout is not a
// TTY — piped output, or cargo_hook running under a build driver).
func NewBar(out io.Writer, label string) *Bar {
	width := fallbackWidth
	if f, ok := out.(*os.File); ok {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	m := progress.New(progress.WithDefaultGradient())
	m.Width = width
	return &Bar{out: out, model: m, label: label}
}

// Report renders the bar at transferred/total and writes it to Bar's
// writer, overwriting the previous render.
func (b *Bar) Report(transferred, total int) {
	fraction := 0.0
	if total > 0 {
		fraction = float64(transferred) / float64(total)
	}
	fmt.Fprintf(b.out, "\r%s %s", b.label, b.model.ViewAs(fraction))
	if transferred >= total {
		fmt.Fprintln(b.out)
	}
}

var promptStyle = lipgloss.NewStyle().Bold(true)

// StdioConfirm reads a y/n answer from in, printing prompt (styled via
// lipgloss) to out first. Anything beginning with 'y' or 'Y' is a
// confirmation; everything else, including EOF, declines.
type StdioConfirm struct {
	In  io.Reader
	Out io.Writer
}

func (c StdioConfirm) Confirm(prompt string) (bool, error) {
	fmt.Fprintf(c.Out, "%s [y/N] ", promptStyle.Render(prompt))
	scanner := bufio.NewScanner(c.In)
	if !scanner.Scan() {
		return false, scanner.Err()
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return strings.HasPrefix(answer, "y"), nil
}
