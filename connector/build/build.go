// Package build runs the repository's make targets.
package build

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Near-One/native-erc20-connector/connector/eventlog"
)

type Toolchain string

const (
	Cargo Toolchain = "cargo"
	Forge Toolchain = "forge"
)

type Var struct {
	Name  string
	Value string
}

// Target is one make invocation. Vars are passed as NAME=value arguments
// ahead of the target name.
type Target struct {
	Name      string
	Vars      []Var
	Toolchain Toolchain
}

func (t Target) Args() []string {
	args := make([]string, 0, len(t.Vars)+1)
	for _, v := range t.Vars {
		args = append(args, v.Name+"="+v.Value)
	}
	return append(args, t.Name)
}

// Command is the make command line as recorded in the event log.
func (t Target) Command() string {
	return strings.Join(t.Args(), " ")
}

// Error is a make invocation that could not start or exited unsuccessfully.
type Error struct {
	Target string
	Stdout string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("command `make %s` failed: %v stderr=%q stdout=%q", e.Target, e.Err, e.Stderr, e.Stdout)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CommandFunc creates the process for a make invocation in dir.
type CommandFunc func(ctx context.Context, dir string, args []string) *exec.Cmd

func MakeCommand(ctx context.Context, dir string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "make", args...)
	cmd.Dir = dir
	return cmd
}

type Runner struct {
	dir     string
	log     *eventlog.Log
	locks   *ToolchainLocks
	command CommandFunc
}

func NewRunner(dir string, log *eventlog.Log, locks *ToolchainLocks, command CommandFunc) *Runner {
	if locks == nil {
		locks = NewToolchainLocks()
	}
	if command == nil {
		command = MakeCommand
	}
	return &Runner{dir: dir, log: log, locks: locks, command: command}
}

// Build is a running make process.
type Build struct {
	target  Target
	cmd     *exec.Cmd
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	release func()
}

// Start spawns make for target and records a Make event once the process is
// running. The target's toolchain lock is held until Wait returns.
func (r *Runner) Start(ctx context.Context, target Target) (*Build, error) {
	release, err := r.locks.Acquire(ctx, target.Toolchain)
	if err != nil {
		return nil, &Error{Target: target.Command(), Err: err}
	}
	b := &Build{target: target, release: release}
	b.cmd = r.command(ctx, r.dir, target.Args())
	b.cmd.Stdout = &b.stdout
	b.cmd.Stderr = &b.stderr
	if err := b.cmd.Start(); err != nil {
		release()
		return nil, &Error{Target: target.Command(), Err: err}
	}
	r.log.Push(eventlog.Make{Command: target.Command()})
	return b, nil
}

// Run starts target and waits for it.
func (r *Runner) Run(ctx context.Context, target Target) error {
	b, err := r.Start(ctx, target)
	if err != nil {
		return err
	}
	return b.Wait()
}

func (b *Build) Target() Target {
	return b.target
}

func (b *Build) Wait() error {
	defer b.release()
	if err := b.cmd.Wait(); err != nil {
		return &Error{
			Target: b.target.Command(),
			Stdout: b.stdout.String(),
			Stderr: b.stderr.String(),
			Err:    err,
		}
	}
	return nil
}
