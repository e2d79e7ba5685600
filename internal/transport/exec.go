package transport

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/kballard/go-shellquote"
	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/log"
)

// envAllowList is the only inherited environment an exec transport child
// sees, next to the planb_* variables.
var envAllowList = []string{"PATH", "HOME", "SHELL", "USER"}

// ExecConfig is the stored configuration of a command transport.
type ExecConfig struct {
	// Command is the transport command line, shell-lexed. A backslash
	// before a newline continues the line for readability.
	Command string
}

// Exec runs a user-specified command to fill the data directory.
type Exec struct {
	cfg    ExecConfig
	params Params
	guid   string
}

// NewExec builds the command transport for one run. guid identifies the
// run towards the child (planb_guid).
func NewExec(cfg ExecConfig, params Params, guid string) *Exec {
	return &Exec{cfg: cfg, params: params, guid: guid}
}

// Description implements Transport.
func (e *Exec) Description() string {
	if fields := strings.Fields(e.cfg.Command); len(fields) > 0 {
		return "exec:" + fields[0]
	}
	return "exec:(empty)"
}

// Argv returns the shell-lexed command with line continuations stripped.
func (e *Exec) Argv() ([]string, error) {
	command := strings.ReplaceAll(e.cfg.Command, "\\\n", " ")
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse transport command %q: %v", e.cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, xerrors.Errorf("empty transport command")
	}
	return argv, nil
}

// Env builds the minimal allow-list environment plus the planb_* contract
// variables.
func (e *Exec) Env() []string {
	env := make([]string, 0, len(envAllowList)+7)
	for _, key := range envAllowList {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"PWD="+e.params.DataPath,
		"planb_guid="+e.guid,
		"planb_fileset_id="+strconv.FormatInt(e.params.FilesetID, 10),
		"planb_fileset_friendly_name="+e.params.FriendlyName,
		"planb_snapshot_target="+e.params.SnapshotTarget,
		"planb_storage_name="+e.params.StorageName,
		"planb_storage_destination="+e.params.DataPath,
	)
	return env
}

// RunTransport implements Transport. Any non-zero exit is an error; the
// child's output goes to the run log verbatim.
func (e *Exec) RunTransport(ctx context.Context) error {
	argv, err := e.Argv()
	if err != nil {
		return err
	}
	log.Infof(ctx, "transport: running %s", shellquote.Join(argv...))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.params.DataPath
	cmd.Env = e.Env()
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if out := strings.TrimSpace(stdout.String()); out != "" {
		log.Infof(ctx, "transport stdout:\n%s", out)
	}
	if out := strings.TrimSpace(stderr.String()); out != "" {
		log.Infof(ctx, "transport stderr:\n%s", out)
	}

	if runErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if !xerrors.As(runErr, &exitErr) {
		return xerrors.Errorf("cannot run transport command: %v", runErr)
	}
	return &Error{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
}
