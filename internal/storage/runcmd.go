package storage

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

// cmdRunner serializes privileged storage shell-outs for the whole process
// and captures their output.
type cmdRunner struct {
	mu   sync.Mutex
	sudo string
}

// run executes the command and returns its stdout. Non-zero exits are
// reported as *CommandError with the captured stderr.
func (r *cmdRunner) run(args ...string) (string, error) {
	if r.sudo != "" {
		args = append([]string{r.sudo}, args...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if xerrors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &CommandError{
			Cmd:      strings.Join(args, " "),
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.String(), nil
}
