package util

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// RunCommandFn executes an external command, streaming its output. It is a
// var so tests can replace it without spawning real processes.
var RunCommandFn = runCommandImpl

// OutputCommandFn executes an external command and returns its trimmed
// stdout. Also a var for tests.
var OutputCommandFn = outputCommandImpl

// RunCommand executes a command, connecting stdout/stderr/stdin.
func RunCommand(ctx context.Context, name string, args ...string) error {
	return RunCommandFn(ctx, name, args...)
}

// OutputCommand executes a command and captures stdout.
func OutputCommand(ctx context.Context, name string, args ...string) (string, error) {
	return OutputCommandFn(ctx, name, args...)
}

func runCommandImpl(ctx context.Context, name string, args ...string) error {
	logrus.WithField("command", name+" "+strings.Join(args, " ")).Debug("running command")
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

func outputCommandImpl(ctx context.Context, name string, args ...string) (string, error) {
	logrus.WithField("command", name+" "+strings.Join(args, " ")).Debug("running command")
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	return strings.TrimSpace(out.String()), err
}
