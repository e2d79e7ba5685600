package transport

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/kballard/go-shellquote"
	"golang.org/x/xerrors"

	"github.com/ossobv/planbd/internal/log"
)

// TransportSSH and TransportRsyncDaemon select how rsync reaches the source.
const (
	TransportSSH         = "ssh"
	TransportRsyncDaemon = "rsync-daemon"
)

// baselineFlags are always passed unless the user overrides a flag of the
// same name.
var baselineFlags = []string{
	"--delete", "--stats", "--recursive", "--links", "--perms", "--times",
	"--devices", "--specials", "--block-size=131072", "--whole-file",
	"--chmod=Du+rx", "--bwlimit=10M",
}

// RsyncConfig is the stored configuration of an rsync transport.
type RsyncConfig struct {
	Host   string
	User   string
	SrcDir string
	// Includes and Excludes are whitespace-separated path lists.
	Includes string
	Excludes string
	// Flags is free-form extra rsync flags. A bare "--bwlimit=" lifts the
	// default bandwidth limit.
	Flags      string
	UseSudo    bool
	UseIonice  bool
	RsyncPath  string // remote rsync binary
	IonicePath string
	Transport  string // ssh or rsync-daemon

	// Binary is the local rsync; defaults to plain "rsync" from PATH.
	Binary string
	// Home overrides the directory holding .ssh/known_hosts.d (tests).
	Home string
}

// Rsync pulls a remote directory with rsync over ssh or from an rsync daemon.
type Rsync struct {
	cfg    RsyncConfig
	params Params
}

// NewRsync builds the rsync transport for one run.
func NewRsync(cfg RsyncConfig, params Params) *Rsync {
	if cfg.Binary == "" {
		cfg.Binary = "rsync"
	}
	if cfg.RsyncPath == "" {
		cfg.RsyncPath = "/usr/bin/rsync"
	}
	if cfg.IonicePath == "" {
		cfg.IonicePath = "/usr/bin/ionice"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportSSH
	}
	if cfg.Home == "" {
		cfg.Home, _ = os.UserHomeDir()
	}
	return &Rsync{cfg: cfg, params: params}
}

// Description implements Transport.
func (r *Rsync) Description() string {
	if r.cfg.Transport == TransportRsyncDaemon {
		return "rsync://" + r.cfg.Host + "::" + r.cfg.SrcDir
	}
	return "rsync+ssh://" + r.cfg.User + "@" + r.cfg.Host + ":" + r.cfg.SrcDir
}

// flagName strips an optional =value part, so --bwlimit=10M and
// --bwlimit=2M count as the same flag.
func flagName(flag string) string {
	if i := strings.IndexByte(flag, '='); i >= 0 {
		return flag[:i]
	}
	return flag
}

// Args builds the full rsync argument vector, baseline first, in the
// documented order.
func (r *Rsync) Args() ([]string, error) {
	userFlags, err := shlex.Split(r.cfg.Flags)
	if err != nil {
		return nil, xerrors.Errorf("cannot parse rsync flags %q: %v", r.cfg.Flags, err)
	}

	overridden := make(map[string]bool, len(userFlags))
	for _, f := range userFlags {
		overridden[flagName(f)] = true
	}

	args := []string{r.cfg.Binary}
	for _, f := range baselineFlags {
		if !overridden[flagName(f)] {
			args = append(args, f)
		}
	}
	for _, f := range userFlags {
		// A bare --bwlimit= means unlimited: drop it entirely.
		if f == "--bwlimit=" {
			continue
		}
		args = append(args, f)
	}

	for _, x := range strings.Fields(r.cfg.Excludes) {
		args = append(args, "--exclude="+x)
	}
	args = append(args, includeArgs(r.cfg.Includes)...)
	if r.cfg.Includes != "" {
		args = append(args, "--exclude=*")
	}

	switch r.cfg.Transport {
	case TransportSSH:
		args = append(args, r.rshArg(), r.rsyncPathArg(), r.sshSource())
	case TransportRsyncDaemon:
		args = append(args, r.cfg.Host+"::"+r.cfg.SrcDir)
	default:
		return nil, xerrors.Errorf("unknown rsync transport %q", r.cfg.Transport)
	}

	return append(args, r.params.DataPath), nil
}

// includeArgs expands include paths: every parent directory gets a
// --include=<dir>/ so rsync descends into it, and the leaf matches its
// whole subtree unless it already carries a wildcard. Sorted and unique.
func includeArgs(includes string) []string {
	seen := make(map[string]bool)
	for _, inc := range strings.Fields(includes) {
		inc = strings.Trim(inc, "/")
		if inc == "" {
			continue
		}
		parts := strings.Split(inc, "/")
		for i := 1; i < len(parts); i++ {
			seen["--include="+strings.Join(parts[:i], "/")+"/"] = true
		}
		if strings.Contains(parts[len(parts)-1], "*") {
			seen["--include="+inc] = true
		} else {
			seen["--include="+inc+"/***"] = true
		}
	}

	args := make([]string, 0, len(seen))
	for a := range seen {
		args = append(args, a)
	}
	sort.Strings(args)
	return args
}

func (r *Rsync) rshArg() string {
	knownHosts := filepath.Join(r.cfg.Home, ".ssh", "known_hosts.d", r.cfg.Host)
	strictCheck := "no"
	if _, err := os.Stat(knownHosts); err == nil {
		strictCheck = "yes"
	}
	return "--rsh=ssh -o HashKnownHosts=no -o UserKnownHostsFile=" + knownHosts +
		" -o StrictHostKeyChecking=" + strictCheck
}

func (r *Rsync) rsyncPathArg() string {
	var remote []string
	if r.cfg.UseSudo {
		remote = append(remote, "sudo")
	}
	if r.cfg.UseIonice {
		remote = append(remote, r.cfg.IonicePath, "-c2", "-n7")
	}
	remote = append(remote, r.cfg.RsyncPath)
	return "--rsync-path=" + shellquote.Join(remote...)
}

func (r *Rsync) sshSource() string {
	src := r.cfg.SrcDir
	if !strings.HasSuffix(src, "/") {
		src += "/"
	}
	return r.cfg.User + "@" + r.cfg.Host + ":" + src
}

// RunTransport implements Transport. Exit code 24 (source files vanished
// mid-transfer) is a warning, not a failure.
func (r *Rsync) RunTransport(ctx context.Context) error {
	args, err := r.Args()
	if err != nil {
		return err
	}
	log.Infof(ctx, "transport: running %s", shellquote.Join(args...))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
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
		return xerrors.Errorf("cannot run rsync: %v", runErr)
	}
	code := exitErr.ExitCode()
	if code == 24 {
		log.Warningf(ctx, "transport: %s", rsyncError(code, "").Error())
		return nil
	}
	return rsyncError(code, strings.TrimSpace(stderr.String()))
}
