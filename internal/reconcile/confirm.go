package reconcile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/pmezard/go-difflib/difflib"
)

// Answer is the operator's response to a confirmation prompt.
type Answer int

const (
	AnswerYes Answer = iota
	AnswerNo
	// AnswerAll confirms this prompt and every later one of the same kind
	// for the remainder of the run.
	AnswerAll
	// AnswerQuit aborts the whole run immediately. Ledger entries already
	// written for prior entities are kept.
	AnswerQuit
)

// PromptKind distinguishes the two places pull asks for a decision.
type PromptKind int

const (
	// PromptOverwrite asks whether remote skill content may replace
	// locally modified content.
	PromptOverwrite PromptKind = iota
	// PromptDelete asks whether a local entity absent from the remote
	// tree may be removed.
	PromptDelete
)

// Prompt carries everything a Confirmer needs to render a decision.
type Prompt struct {
	Kind   PromptKind
	Slug   string
	Path   string
	Local  string // current local content (overwrite prompts)
	Remote string // incoming remote content (overwrite prompts)
}

// Confirmer is the injectable confirmation capability. The reconcilers
// never read the terminal themselves, so scripted runs and tests can
// supply canned answers.
type Confirmer interface {
	Confirm(ctx context.Context, p Prompt) (Answer, error)
}

// TerminalConfirmer prompts interactively, showing a unified diff for
// content conflicts.
type TerminalConfirmer struct {
	In  io.Reader
	Out io.Writer

	// One scanner for the confirmer's lifetime; a per-prompt scanner
	// would drop type-ahead buffered past the first line.
	scanner *bufio.Scanner
}

func (c *TerminalConfirmer) Confirm(_ context.Context, p Prompt) (Answer, error) {
	if c.scanner == nil {
		c.scanner = bufio.NewScanner(c.In)
	}
	bold := color.New(color.Bold)
	switch p.Kind {
	case PromptDelete:
		bold.Fprintf(c.Out, "%s no longer exists remotely.\n", p.Slug)
		fmt.Fprintf(c.Out, "Delete local %s?", p.Path)
	default:
		bold.Fprintf(c.Out, "%s differs between local and remote.\n", p.Slug)
		c.printDiff(p)
		fmt.Fprintf(c.Out, "Overwrite local %s with remote content?", p.Path)
	}
	fmt.Fprint(c.Out, " [y]es / [n]o / [a]ll / [q]uit: ")

	for c.scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(c.scanner.Text())) {
		case "y", "yes":
			return AnswerYes, nil
		case "n", "no":
			return AnswerNo, nil
		case "a", "all":
			return AnswerAll, nil
		case "q", "quit":
			return AnswerQuit, nil
		}
		fmt.Fprint(c.Out, "Please answer [y]es / [n]o / [a]ll / [q]uit: ")
	}
	if err := c.scanner.Err(); err != nil {
		return AnswerQuit, fmt.Errorf("failed to read answer: %w", err)
	}
	// Input closed without an answer; treat as quit rather than guessing.
	return AnswerQuit, nil
}

func (c *TerminalConfirmer) printDiff(p Prompt) {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(p.Local),
		B:        difflib.SplitLines(p.Remote),
		FromFile: "local/" + p.Path,
		ToFile:   "remote/" + p.Path,
		Context:  3,
	})
	if err != nil {
		return
	}
	for _, line := range strings.SplitAfter(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			color.New(color.FgGreen).Fprint(c.Out, line)
		case strings.HasPrefix(line, "-"):
			color.New(color.FgRed).Fprint(c.Out, line)
		default:
			fmt.Fprint(c.Out, line)
		}
	}
}

// ScriptConfirmer replays a fixed list of answers and records the prompts
// it saw. Used in tests and non-interactive runs.
type ScriptConfirmer struct {
	Answers []Answer
	Seen    []Prompt
	next    int
}

func (c *ScriptConfirmer) Confirm(_ context.Context, p Prompt) (Answer, error) {
	c.Seen = append(c.Seen, p)
	if c.next >= len(c.Answers) {
		return AnswerNo, fmt.Errorf("unexpected prompt for %s", p.Slug)
	}
	a := c.Answers[c.next]
	c.next++
	return a, nil
}
