package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/ktr0731/go-fuzzyfinder"
	"golang.org/x/term"

	mcp "github.com/MegaGrindStone/go-mcp-hub"
	"github.com/MegaGrindStone/go-mcp-hub/registry"
	"github.com/MegaGrindStone/go-mcp-hub/variables"
)

// terminal answers variable prompts, trust prompts and failure
// notifications on the command line. Prompts are serialized.
type terminal struct {
	in     io.Reader
	out    io.Writer
	reader *bufio.Reader

	mu sync.Mutex
	// pick chooses a subset of labels; fuzzyfinder on a TTY.
	pick func(labels []string) ([]int, error)
}

func newTerminal(in io.Reader, out io.Writer) *terminal {
	t := &terminal{in: in, out: out, reader: bufio.NewReader(in)}
	t.pick = t.pickByNumber
	if isTerminal(in) {
		t.pick = pickFuzzy
	}
	return t
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Prompt implements variables.Prompter.
func (t *terminal) Prompt(ctx context.Context, req variables.PromptRequest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	label := req.Expression.String()
	var def string
	if in := req.Input; in != nil {
		if in.Description != "" {
			label = in.Description
		}
		def = in.Default
		if len(in.Options) > 0 {
			return t.choose(req.Server, label, in.Options, def)
		}
	}

	fmt.Fprintf(t.out, "%s needs %s", color.CyanString(req.Server), label)
	if def != "" && !req.Secret() {
		fmt.Fprintf(t.out, " [%s]", def)
	}
	fmt.Fprint(t.out, ": ")

	var value string
	if req.Secret() && isTerminal(t.in) {
		bs, err := term.ReadPassword(int(t.in.(*os.File).Fd()))
		fmt.Fprintln(t.out)
		if err != nil {
			return "", errors.Wrap(err, "reading secret")
		}
		value = string(bs)
	} else {
		line, ok := t.readLine()
		if !ok {
			return "", variables.ErrCancelled
		}
		value = line
	}
	if value == "" {
		value = def
	}
	return value, nil
}

func (t *terminal) choose(server, label string, options []string, def string) (string, error) {
	fmt.Fprintf(t.out, "%s needs %s:\n", color.CyanString(server), label)
	for i, o := range options {
		marker := " "
		if o == def {
			marker = "*"
		}
		fmt.Fprintf(t.out, " %s %d) %s\n", marker, i+1, o)
	}
	fmt.Fprint(t.out, "Choice: ")

	line, ok := t.readLine()
	if !ok {
		return "", variables.ErrCancelled
	}
	if line == "" && def != "" {
		return def, nil
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(options) {
		return "", errors.Newf("invalid choice %q", line)
	}
	return options[n-1], nil
}

// PromptTrust implements registry.TrustPrompter.
func (t *terminal) PromptTrust(ctx context.Context, reqs []registry.TrustRequest) (registry.TrustAnswer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return registry.TrustAnswer{}, err
	}

	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintln(t.out, bold("Do you trust these MCP servers?"))
	labels := make([]string, len(reqs))
	for i, r := range reqs {
		labels[i] = fmt.Sprintf("%s (%s)", r.Server, r.Collection)
		fmt.Fprintf(t.out, "  %d) %s\n", i+1, labels[i])
		fmt.Fprintf(t.out, "     %s\n", color.New(color.FgHiBlack).Sprint(describeLaunch(r.Launch)))
		if r.Changed {
			fmt.Fprintf(t.out, "     %s\n", color.YellowString("configuration changed since you trusted it"))
		}
	}
	if len(reqs) > 1 {
		fmt.Fprint(t.out, "Trust [a]ll, [s]ome, [d]ecline all or [c]ancel? ")
	} else {
		fmt.Fprint(t.out, "Trust [a]ll, [d]ecline or [c]ancel? ")
	}

	line, ok := t.readLine()
	if !ok {
		return registry.TrustAnswer{Decision: registry.DecisionCancel}, nil
	}
	switch strings.ToLower(line) {
	case "a", "all", "y", "yes":
		return registry.TrustAnswer{Decision: registry.DecisionAcceptAll}, nil
	case "d", "decline", "n", "no":
		return registry.TrustAnswer{Decision: registry.DecisionDeclineAll}, nil
	case "s", "some":
		picked, err := t.pick(labels)
		if errors.Is(err, fuzzyfinder.ErrAbort) {
			return registry.TrustAnswer{Decision: registry.DecisionCancel}, nil
		}
		if err != nil {
			return registry.TrustAnswer{}, err
		}
		answer := registry.TrustAnswer{Decision: registry.DecisionAcceptSome}
		for _, i := range picked {
			answer.Accepted = append(answer.Accepted, reqs[i].Ref)
		}
		return answer, nil
	default:
		return registry.TrustAnswer{Decision: registry.DecisionCancel}, nil
	}
}

func pickFuzzy(labels []string) ([]int, error) {
	return fuzzyfinder.FindMulti(labels, func(i int) string { return labels[i] },
		fuzzyfinder.WithHeader("Select the servers to trust (Tab to mark)"))
}

// pickByNumber reads a comma separated list of 1-based indexes.
func (t *terminal) pickByNumber(labels []string) ([]int, error) {
	fmt.Fprint(t.out, "Servers to trust (e.g. 1,3): ")
	line, ok := t.readLine()
	if !ok {
		return nil, fuzzyfinder.ErrAbort
	}
	var picked []int
	for _, field := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' }) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 || n > len(labels) {
			return nil, errors.Newf("invalid server number %q", field)
		}
		picked = append(picked, n-1)
	}
	return picked, nil
}

// Notify implements registry.Notifier.
func (t *terminal) Notify(_ context.Context, n registry.Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fmt.Fprintf(t.out, "%s %s: %s\n", color.RedString("✗"), n.Server, n.Message)
	logs := n.Logs
	if len(logs) > 10 {
		logs = logs[len(logs)-10:]
	}
	for _, line := range logs {
		fmt.Fprintf(t.out, "    %s\n", color.New(color.FgHiBlack).Sprint(line))
	}
	for _, a := range n.Actions {
		if a.Kind == registry.ActionOpenDocs {
			fmt.Fprintf(t.out, "  %s: %s\n", a.Label, a.URL)
		}
	}
}

// readLine returns the next input line without its line ending. ok is false
// at end of input with nothing read.
func (t *terminal) readLine() (string, bool) {
	line, err := t.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

func describeLaunch(l mcp.Launch) string {
	if l.Type == mcp.LaunchHTTP {
		return l.URL
	}
	return strings.TrimSpace(l.Command + " " + strings.Join(l.Args, " "))
}
