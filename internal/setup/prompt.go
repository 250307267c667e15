// Package setup implements the interactive first-run wizard that writes the
// curasync configuration after checking the remote service is reachable.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter reads answers line by line from r and writes questions to w.
// The wizard uses os.Stdin and os.Stdout; tests feed it a strings.Reader.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
	done    bool // input exhausted
}

// NewPrompter returns a Prompter over r and w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// ask prints prompt and returns the trimmed answer. ok is false once the
// input is exhausted.
func (p *Prompter) ask(prompt string) (answer string, ok bool) {
	_, _ = fmt.Fprintf(p.w, "  %s: ", prompt)
	if !p.scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

func (p *Prompter) hint(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  ("+format+")\n", args...)
}

// String asks for free text. An empty answer takes defaultVal; with no
// default the question repeats until something is typed.
func (p *Prompter) String(label, defaultVal string) string {
	prompt := label
	if defaultVal != "" {
		prompt = fmt.Sprintf("%s [%s]", label, defaultVal)
	}
	for {
		val, ok := p.ask(prompt)
		switch {
		case !ok:
			return defaultVal
		case val != "":
			return val
		case defaultVal != "":
			return defaultVal
		}
		p.hint("required, please enter a value")
	}
}

// Secret asks for a required value such as the access token. Echo is not
// suppressed; end of input yields "".
func (p *Prompter) Secret(label string) string {
	return p.String(label, "")
}

// Confirm asks a yes/no question; an empty answer picks defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	choices := "y/N"
	if defaultYes {
		choices = "Y/n"
	}
	val, ok := p.ask(fmt.Sprintf("%s [%s]", label, choices))
	if !ok || val == "" {
		return defaultYes
	}
	switch strings.ToLower(val) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Select lists options with 1-based numbers and returns the zero-based index
// of the one picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("select %q: no options", label)
	}
	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}
	for {
		val, ok := p.ask(fmt.Sprintf("Choice [1-%d]", len(options)))
		if !ok {
			return -1, fmt.Errorf("select %q: input closed", label)
		}
		if n, err := strconv.Atoi(val); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.hint("enter a number between 1 and %d", len(options))
	}
}

// Duration prompts for a duration within [lo, hi]. Invalid or out-of-range
// input repeats the prompt; end of input returns defaultVal.
func (p *Prompter) Duration(label string, defaultVal, lo, hi time.Duration) time.Duration {
	for {
		raw := p.String(fmt.Sprintf("%s (%s to %s)", label, lo, hi), defaultVal.String())
		d, err := time.ParseDuration(raw)
		if err == nil && d >= lo && d <= hi {
			return d
		}
		p.hint("enter a duration like 90s or 5m between %s and %s", lo, hi)
		if !p.more() {
			return defaultVal
		}
	}
}

// Int prompts for an integer within [lo, hi], with the same rules as
// [Prompter.Duration].
func (p *Prompter) Int(label string, defaultVal, lo, hi int) int {
	for {
		raw := p.String(fmt.Sprintf("%s (%d to %d)", label, lo, hi), strconv.Itoa(defaultVal))
		n, err := strconv.Atoi(raw)
		if err == nil && n >= lo && n <= hi {
			return n
		}
		p.hint("enter a whole number between %d and %d", lo, hi)
		if !p.more() {
			return defaultVal
		}
	}
}

func (p *Prompter) scan() bool {
	if p.done || !p.scanner.Scan() {
		p.done = true
		return false
	}
	return true
}

// more reports whether the input has not been exhausted yet.
func (p *Prompter) more() bool { return !p.done }
