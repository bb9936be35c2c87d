// Package stages binds pipeline stage names to implementations. Production
// stages are external commands; the executor only sees the async.Stage
// contract.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/showrunner/errors"
	"github.com/teranos/showrunner/logger"
	"github.com/teranos/showrunner/pulse/async"
)

// Exit codes (sysexits.h) that mark a failure retrying cannot fix
const (
	exitUsage   = 64
	exitDataErr = 65
	exitConfig  = 78
)

// maxOutputBytes caps the stdout kept per attempt. A stage prints an output
// reference, not the content itself.
const maxOutputBytes = 64 << 10

// waitDelay bounds how long Run waits for output pipes after the command is
// killed, in case it left children holding them open
const waitDelay = 10 * time.Second

// CommandStage runs one external command per attempt.
//
// The command receives the async.StageContext as JSON on stdin and the
// SHOWRUNNER_JOB_ID, SHOWRUNNER_STAGE and SHOWRUNNER_ATTEMPT variables in
// its environment. Whatever it prints on stdout, trimmed, is the stage
// output. Stderr is forwarded to the log line by line. A non-zero exit is a
// retryable failure, except exit codes 64, 65 and 78 which fail the job at
// once, as does stdout longer than 64 KiB.
type CommandStage struct {
	name   string
	argv   []string
	env    map[string]string
	logger *zap.SugaredLogger
}

// NewCommandStage parses commandLine with shell quoting rules. No shell is
// involved: pipes and redirects are not interpreted.
func NewCommandStage(name, commandLine string, env map[string]string, log *zap.SugaredLogger) (*CommandStage, error) {
	if log == nil {
		log = logger.Logger
	}
	argv, err := shellquote.Split(commandLine)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "invalid command for stage %s", name)
	}
	if len(argv) == 0 {
		return nil, errors.NewInvalidRequestError("stage %s has an empty command", name)
	}
	return &CommandStage{
		name:   name,
		argv:   argv,
		env:    env,
		logger: log.Named("stage").With(logger.FieldStage, name),
	}, nil
}

// Argv returns the parsed command line
func (c *CommandStage) Argv() []string {
	return append([]string(nil), c.argv...)
}

// Run executes the command once
func (c *CommandStage) Run(ctx context.Context, sc async.StageContext) (string, error) {
	input, err := json.Marshal(sc)
	if err != nil {
		return "", async.WrapStageError(c.name, errors.Wrap(err, "failed to encode stage context"), true)
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(),
		"SHOWRUNNER_JOB_ID="+sc.JobID,
		"SHOWRUNNER_STAGE="+sc.Stage,
		"SHOWRUNNER_ATTEMPT="+strconv.Itoa(sc.Attempt),
	)
	for key, value := range c.env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &stderrLogger{logger: c.logger.With(logger.FieldJobID, sc.JobID, logger.FieldAttempt, sc.Attempt)}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	stderr.flush()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if runErr != nil {
		return "", c.classify(runErr, stderr.last)
	}

	if stdout.exceeded {
		return "", async.NewPermanentStageError(c.name, fmt.Sprintf("command output exceeds %d bytes", stdout.limit))
	}
	output := strings.TrimSpace(stdout.buf.String())
	if output == "" {
		return "", async.NewStageError(c.name, "command produced no output")
	}
	return output, nil
}

func (c *CommandStage) classify(err error, lastLine string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		msg := fmt.Sprintf("command exited with status %d", code)
		if lastLine != "" {
			msg += ": " + lastLine
		}
		switch code {
		case exitUsage, exitDataErr, exitConfig:
			return async.NewPermanentStageError(c.name, msg)
		}
		return async.NewStageError(c.name, msg)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return async.WrapStageError(c.name, err, true)
	}
	return async.WrapStageError(c.name, err, false)
}

// limitedBuffer keeps the first limit bytes written and discards the rest,
// so the command never blocks on a full pipe
type limitedBuffer struct {
	buf      bytes.Buffer
	limit    int
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); len(p) > room {
		b.buf.Write(p[:max(room, 0)])
		b.exceeded = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// stderrLogger forwards command stderr to the log one line at a time and
// remembers the last line for the failure message
type stderrLogger struct {
	logger *zap.SugaredLogger
	buf    strings.Builder
	last   string
}

func (l *stderrLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)
		l.emit(line)
	}
	return len(p), nil
}

func (l *stderrLogger) flush() {
	l.emit(l.buf.String())
	l.buf.Reset()
}

func (l *stderrLogger) emit(line string) {
	if line = strings.TrimSpace(line); line != "" {
		l.last = line
		l.logger.Infow("Stage output", "message", line)
	}
}
