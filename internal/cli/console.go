package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/devlift/sdlcflow/core"
	"github.com/devlift/sdlcflow/engine"
)

var (
	stageStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	approveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	rejectStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	contentStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

// consoleReviewer collects verdicts interactively: it prints the drafted
// artifact and asks the operator to approve it or request changes.
type consoleReviewer struct {
	in  *bufio.Reader
	out io.Writer
}

func newConsoleReviewer(in io.Reader, out io.Writer) *consoleReviewer {
	return &consoleReviewer{
		in:  bufio.NewReader(in),
		out: out,
	}
}

func (r *consoleReviewer) RequestReview(ctx context.Context, stage core.Stage, revision int64, content string) (core.Verdict, string, error) {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, stageStyle.Render(fmt.Sprintf("%s (revision %d)", stage, revision)))
	fmt.Fprintln(r.out, contentStyle.Render(content))

	for {
		fmt.Fprint(r.out, promptStyle.Render("[a]pprove / [r]equest changes? "))

		line, err := r.readLine(ctx)
		if err != nil {
			return "", "", err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve":
			fmt.Fprintln(r.out, approveStyle.Render("approved"))
			return core.VerdictApprove, "", nil

		case "r", "request changes", "request_changes":
			fmt.Fprint(r.out, promptStyle.Render("what should change? "))

			comment, err := r.readLine(ctx)
			if err != nil {
				return "", "", err
			}

			fmt.Fprintln(r.out, rejectStyle.Render("changes requested"))
			return core.VerdictRequestChanges, strings.TrimSpace(comment), nil
		}
	}
}

func (r *consoleReviewer) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		line, err := r.in.ReadString('\n')
		ch <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil && res.err != io.EOF {
			return "", res.err
		}
		return res.line, nil
	}
}

// draftGenerator produces placeholder artifacts from the upstream inputs.
// It stands in for a real content generator wired in by the caller.
type draftGenerator struct{}

func (draftGenerator) Generate(ctx context.Context, stage core.Stage, inputs []engine.StageInput, revisionComment string) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n", stage)

	for _, in := range inputs {
		fmt.Fprintf(&b, "\nbased on %s:\n%s\n", in.Stage, in.Content)
	}

	if revisionComment != "" {
		fmt.Fprintf(&b, "\nrevised per feedback: %s\n", revisionComment)
	}

	return b.String(), nil
}

// consolePublisher prints the final artifact set once the run completes.
type consolePublisher struct {
	out io.Writer
}

func (p *consolePublisher) Publish(ctx context.Context, artifacts []*core.Artifact) error {
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, stageStyle.Render("published deliverable"))

	for _, a := range artifacts {
		fmt.Fprintln(p.out, stageStyle.Render(string(a.Stage)))
		fmt.Fprintln(p.out, contentStyle.Render(a.Content))
	}

	return nil
}
