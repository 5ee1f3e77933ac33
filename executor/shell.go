package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// InputFunc pulls one line of input from the connected peer mid-command.
// It is the synchronous upcall behind the interactive input sub-protocol;
// the session side is its only implementor and the only responder.
type InputFunc func(prompt string) (string, error)

// Processor executes one decoded statement and returns its outcome. The
// serving loop is the only caller. Execution must be synchronous; any
// input the statement needs is pulled through the InputFunc the processor
// was constructed with.
type Processor interface {
	Execute(ctx context.Context, statement string) Result
}

var assignmentRE = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// Shell is the built-in processor. Statements run through the system shell
// with stdout and stderr captured and the exit status reported in the
// result data. Two statement forms are handled in-process:
//
//	NAME=value        assign a session variable (exported to child commands)
//	read NAME prompt  request one line from the peer and assign it
//
// The read builtin is what drives the interactive input round trip: it
// blocks the command until the peer supplies a line over the same
// protected connection.
type Shell struct {
	log   *zap.SugaredLogger
	input InputFunc
	scope map[string]string

	shellPath string
	workDir   string
}

// ShellOption configures a Shell.
type ShellOption func(*Shell)

// WithLogger sets the processor logger.
func WithLogger(l *zap.Logger) ShellOption {
	return func(s *Shell) {
		s.log = l.Named("executor").Sugar()
	}
}

// WithShellPath overrides the shell binary used to run statements.
func WithShellPath(path string) ShellOption {
	return func(s *Shell) {
		s.shellPath = path
	}
}

// WithWorkDir sets the working directory for child commands.
func WithWorkDir(dir string) ShellOption {
	return func(s *Shell) {
		s.workDir = dir
	}
}

// NewShell builds the built-in processor. input may be nil, in which case
// the read builtin fails instead of blocking.
func NewShell(input InputFunc, opts ...ShellOption) *Shell {
	s := &Shell{
		log:       zap.NewNop().Sugar(),
		input:     input,
		scope:     map[string]string{},
		shellPath: "/bin/sh",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Execute runs one statement. Cancelling ctx kills a running child command.
func (s *Shell) Execute(ctx context.Context, statement string) Result {
	stmt := strings.TrimSpace(statement)
	if stmt == "" {
		return OK("")
	}

	if m := assignmentRE.FindStringSubmatch(stmt); m != nil {
		s.scope[m[1]] = s.expand(m[2])
		return OK("")
	}

	if fields := strings.Fields(stmt); fields[0] == "read" {
		return s.readBuiltin(fields[1:])
	}

	return s.run(ctx, stmt)
}

func (s *Shell) readBuiltin(args []string) Result {
	if len(args) == 0 {
		return Failf("read: variable name required")
	}
	name := args[0]
	if !assignmentRE.MatchString(name + "=") {
		return Failf("read: invalid variable name %q", name)
	}
	if s.input == nil {
		return Failf("read: no input source attached")
	}
	prompt := strings.Join(args[1:], " ")
	line, err := s.input(prompt)
	if err != nil {
		return Failf("read: %s", err)
	}
	s.scope[name] = line
	return OK("")
}

func (s *Shell) run(ctx context.Context, stmt string) Result {
	cmd := exec.CommandContext(ctx, s.shellPath, "-c", stmt)
	cmd.Dir = s.workDir
	cmd.Env = s.environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			s.log.Debugw("command failed to start", "Error", err)
			return Fail(err.Error(), stdout.String())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = exitErr.Error()
		} else {
			msg = fmt.Sprintf("%s: %s", exitErr.Error(), msg)
		}
		res := Fail(msg, stdout.String())
		res, _ = res.WithData(commandData{ExitCode: exitErr.ExitCode(), TimeMS: elapsed.Milliseconds()})
		return res
	}

	s.log.Debugw("command finished", "TimeMS", elapsed.Milliseconds())
	res := OK(stdout.String() + stderr.String())
	res, _ = res.WithData(commandData{ExitCode: 0, TimeMS: elapsed.Milliseconds()})
	return res
}

// commandData is the opaque data payload attached to shell command results.
type commandData struct {
	ExitCode int   `json:"exit_code"`
	TimeMS   int64 `json:"time_ms"`
}

func (s *Shell) environ() []string {
	env := os.Environ()
	for k, v := range s.scope {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *Shell) expand(value string) string {
	return os.Expand(value, func(k string) string {
		if v, ok := s.scope[k]; ok {
			return v
		}
		return os.Getenv(k)
	})
}
