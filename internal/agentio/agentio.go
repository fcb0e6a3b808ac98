// Package agentio defines the narrow contract line uses to talk to a
// coding-assistant CLI: a readiness probe, a manage invocation, and a
// parser for the five-way verdict the assistant reports. Both the
// prompt templates and any sophisticated verdict heuristics are
// explicitly out of scope — this package ships the simplest
// implementation that satisfies the contract, the way the teacher's
// internal/cli/gate.go substitutes {staged} rather than templating a
// whole shell pipeline.
package agentio

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/re-cinq/line/internal/issue"
	"github.com/re-cinq/line/internal/supervisor"
)

// Verdict is the assistant's closed five-way classification of a
// management run's outcome.
type Verdict int

const (
	VerdictUnknown Verdict = iota
	VerdictReady
	VerdictCorrected
	VerdictNotReady
	VerdictClose
)

func (v Verdict) String() string {
	switch v {
	case VerdictReady:
		return "ready"
	case VerdictCorrected:
		return "corrected"
	case VerdictNotReady:
		return "not_ready"
	case VerdictClose:
		return "close"
	default:
		return "unknown"
	}
}

// VerdictParser extracts a Verdict from an assistant run's combined output.
type VerdictParser interface {
	Parse(output string) Verdict
}

var verdictLine = regexp.MustCompile(`(?mi)^VERDICT:\s*(ready|corrected|not_ready|close)\s*$`)

// MarkerVerdictParser looks for a single `VERDICT: <word>` line anywhere
// in the output. Deliberately simple — one regex, no scoring, no
// fallback heuristics — per spec.md's explicit exclusion of "the
// verdict-parsing heuristics" from core scope.
type MarkerVerdictParser struct{}

// Parse implements VerdictParser.
func (MarkerVerdictParser) Parse(output string) Verdict {
	m := verdictLine.FindStringSubmatch(output)
	if m == nil {
		return VerdictUnknown
	}
	switch strings.ToLower(m[1]) {
	case "ready":
		return VerdictReady
	case "corrected":
		return VerdictCorrected
	case "not_ready":
		return VerdictNotReady
	case "close":
		return VerdictClose
	default:
		return VerdictUnknown
	}
}

// ReadyResult is the outcome of an AssistantCLI.Ready probe.
type ReadyResult struct {
	Ready  bool
	Output string
}

// ManageResult is the outcome of an AssistantCLI.Manage invocation.
type ManageResult struct {
	Verdict    Verdict
	Output     string
	ExitCode   int
	TimedOut   bool
	IdleKilled bool
}

// AssistantCLI is the contract line drives an issue's work through.
// Manage's onStart, when non-nil, is invoked with the subprocess's PID
// the instant it is spawned — the pool uses it to register the process
// for global shutdown (spec.md §4.3 "Subprocess tracking").
type AssistantCLI interface {
	Ready(ctx context.Context, iss issue.Issue, worktree string) (ReadyResult, error)
	Manage(ctx context.Context, iss issue.Issue, worktree string, resume bool, onStart func(pid int)) (ManageResult, error)
}

// ArgvTemplate describes the command line used for one AssistantCLI
// operation, with {issue_path}/{issue_id} placeholders substituted the
// same way the teacher's gate.go substitutes {staged}.
type ArgvTemplate struct {
	Command string
	Args    []string
}

// SubprocessCLI is the default AssistantCLI, invoking the configured
// command via internal/supervisor.
type SubprocessCLI struct {
	Ready_      ArgvTemplate
	Manage_     ArgvTemplate
	ResumeFlag  string
	IdleTimeout time.Duration
	Timeout     time.Duration
	Parser      VerdictParser
}

// NewSubprocessCLI builds a SubprocessCLI, defaulting Parser to
// MarkerVerdictParser when none is given.
func NewSubprocessCLI(readyTpl, manageTpl ArgvTemplate, resumeFlag string, idleTimeout, timeout time.Duration) *SubprocessCLI {
	return &SubprocessCLI{
		Ready_:      readyTpl,
		Manage_:     manageTpl,
		ResumeFlag:  resumeFlag,
		IdleTimeout: idleTimeout,
		Timeout:     timeout,
		Parser:      MarkerVerdictParser{},
	}
}

func substitute(args []string, iss issue.Issue) []string {
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, "{issue_path}", iss.Path)
		a = strings.ReplaceAll(a, "{issue_id}", iss.ID)
		out[i] = a
	}
	return out
}

// Ready implements AssistantCLI. A zero exit code is treated as "ready";
// the probe's own stdout/stderr is returned for diagnostics.
func (c *SubprocessCLI) Ready(ctx context.Context, iss issue.Issue, worktree string) (ReadyResult, error) {
	if c.Ready_.Command == "" {
		return ReadyResult{Ready: true}, nil
	}
	var buf bytes.Buffer
	result := supervisor.Run(ctx, supervisor.Spec{
		Command:     c.Ready_.Command,
		Args:        substitute(c.Ready_.Args, iss),
		Dir:         worktree,
		IdleTimeout: c.IdleTimeout,
		TotalTimeout: c.Timeout,
	}, supervisor.Callbacks{
		OnLine: func(_ string, line supervisor.Line) {
			buf.WriteString(line.Text)
			buf.WriteByte('\n')
		},
	})
	if result.Err != nil && result.ExitCode == -1 {
		return ReadyResult{Output: buf.String()}, fmt.Errorf("ready probe for %s: %w", iss.ID, result.Err)
	}
	return ReadyResult{Ready: result.ExitCode == 0, Output: buf.String()}, nil
}

// Manage implements AssistantCLI.
func (c *SubprocessCLI) Manage(ctx context.Context, iss issue.Issue, worktree string, resume bool, onStart func(pid int)) (ManageResult, error) {
	args := substitute(c.Manage_.Args, iss)
	if resume && c.ResumeFlag != "" {
		args = append(args, c.ResumeFlag)
	}

	var buf bytes.Buffer
	result := supervisor.Run(ctx, supervisor.Spec{
		Command:      c.Manage_.Command,
		Args:         args,
		Dir:          worktree,
		IdleTimeout:  c.IdleTimeout,
		TotalTimeout: c.Timeout,
	}, supervisor.Callbacks{
		OnStart: func(_ string, pid int) {
			if onStart != nil {
				onStart(pid)
			}
		},
		OnLine: func(_ string, line supervisor.Line) {
			buf.WriteString(line.Text)
			buf.WriteByte('\n')
		},
	})

	parser := c.Parser
	if parser == nil {
		parser = MarkerVerdictParser{}
	}

	mr := ManageResult{
		Output:     buf.String(),
		ExitCode:   result.ExitCode,
		TimedOut:   result.TimedOut,
		IdleKilled: result.IdleKilled,
	}
	if result.TimedOut || result.IdleKilled {
		mr.Verdict = VerdictNotReady
		return mr, nil
	}
	if result.Err != nil && result.ExitCode == -1 {
		return mr, fmt.Errorf("manage run for %s: %w", iss.ID, result.Err)
	}
	mr.Verdict = parser.Parse(mr.Output)
	return mr, nil
}
