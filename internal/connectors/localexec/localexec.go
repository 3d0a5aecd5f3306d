// Package localexec runs job specs as local processes.
//
// A spec is either a JSON string, run through the shell, or an object:
//
//	{"command": "make", "args": ["build"], "env": {"CI": "1"}}
//	{"shell": "npm ci && npm test", "env": {"CI": "1"}}
package localexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hatchway/runner/internal/connectors"
)

// waitDelay bounds how long Wait keeps copying output after the process
// exits, in case a detached child still holds the pipe.
const waitDelay = 5 * time.Second

// Spec is the decoded job payload.
type Spec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Shell   string            `json:"shell"`
	Env     map[string]string `json:"env"`
}

// ParseSpec decodes raw into a Spec.
func ParseSpec(raw json.RawMessage) (Spec, error) {
	var script string
	if err := json.Unmarshal(raw, &script); err == nil {
		if strings.TrimSpace(script) == "" {
			return Spec{}, fmt.Errorf("empty command")
		}
		return Spec{Shell: script}, nil
	}

	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return Spec{}, fmt.Errorf("invalid job spec: %w", err)
	}
	if s.Command == "" && strings.TrimSpace(s.Shell) == "" {
		return Spec{}, fmt.Errorf("job spec needs a command or a shell script")
	}
	if s.Command != "" && s.Shell != "" {
		return Spec{}, fmt.Errorf("job spec cannot set both command and shell")
	}
	return s, nil
}

// argv returns the program and arguments to execute.
func (s Spec) argv() (string, []string) {
	if s.Shell != "" {
		if runtime.GOOS == "windows" {
			return "cmd", []string{"/C", s.Shell}
		}
		return "/bin/sh", []string{"-c", s.Shell}
	}
	return s.Command, s.Args
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	// allowed restricts the programs that may run. Empty allows everything.
	allowed map[string]bool
}

// New creates a new LocalExec connector. With no allow entries any program
// may run.
func New(allow ...string) *LocalExec {
	l := &LocalExec{}
	if len(allow) > 0 {
		l.allowed = make(map[string]bool, len(allow))
		for _, name := range allow {
			l.allowed[name] = true
		}
	}
	return l
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a program is in the allowlist.
func (l *LocalExec) IsAllowed(program string) bool {
	if l.allowed == nil {
		return true
	}
	return l.allowed[program]
}

// Start launches the job in job.Dir.
func (l *LocalExec) Start(ctx context.Context, job connectors.Job) (connectors.Process, error) {
	spec, err := ParseSpec(job.Spec)
	if err != nil {
		return nil, err
	}

	program, args := spec.argv()
	if !l.IsAllowed(program) {
		return nil, fmt.Errorf("command not allowed: %s", program)
	}

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = job.Dir
	cmd.Stdout = job.Output
	cmd.Stderr = job.Output
	cmd.Env = append(os.Environ(), job.Env...)
	cmd.Env = append(cmd.Env, envList(spec.Env)...)
	configureProcessGroup(cmd)
	// Context cancellation takes the whole group down, not just the leader.
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec error: %w", err)
	}

	return &process{
		cmd:     cmd,
		program: program,
		args:    args,
		start:   start,
	}, nil
}

type process struct {
	cmd     *exec.Cmd
	program string
	args    []string
	start   time.Time

	once   sync.Once
	result *connectors.ExecResult
	err    error
}

func (p *process) Wait() (*connectors.ExecResult, error) {
	p.once.Do(func() {
		err := p.cmd.Wait()
		exitCode := 0
		if err != nil {
			if exitError, ok := err.(*exec.ExitError); ok {
				exitCode = exitError.ExitCode()
			} else {
				p.err = fmt.Errorf("exec error: %w", err)
				return
			}
		}
		p.result = &connectors.ExecResult{
			Command:  p.program,
			Args:     p.args,
			ExitCode: exitCode,
			Duration: time.Since(p.start),
		}
	})
	return p.result, p.err
}

func (p *process) Terminate() error {
	return terminateGroup(p.cmd)
}

func (p *process) Kill() error {
	return killGroup(p.cmd)
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
