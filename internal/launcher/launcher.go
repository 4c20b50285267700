// ============================================================================
// gpuq Process Launcher
// ============================================================================
//
// Package: internal/launcher
// File: launcher.go
// Purpose: Run a shell command as a given local user
//
// The child gets its uid/gid/groups from SysProcAttr.Credential, so the
// privilege drop happens in the forked child before exec; the launching
// process keeps its own identity. Each job leads its own process group so
// Kill can reach every process the command spawned.
//
// ============================================================================

package launcher

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Shell used to interpret job commands
const Shell = "/bin/sh"

// UserLookupError the user is unknown on this host
type UserLookupError struct {
	User  string
	Cause error
}

func (e *UserLookupError) Error() string {
	return fmt.Sprintf("look up user %q: %v", e.User, e.Cause)
}

func (e *UserLookupError) Unwrap() error { return e.Cause }

// SpawnError the process could not be started
type SpawnError struct {
	Command string
	Cause   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("start %q: %v", e.Command, e.Cause)
}

func (e *SpawnError) Unwrap() error { return e.Cause }

// Request what to run and as whom
type Request struct {
	Command    string
	User       string
	WorkingDir string // defaults to the user's home
	Stdout     io.Writer
	Stderr     io.Writer
}

// Handle a started process
type Handle interface {
	Pid() int
	// Wait blocks until exit and returns the exit code. A process killed by a
	// signal reports 128+signal.
	Wait() (int, error)
}

// Launcher starts job processes
type Launcher struct {
	lookup func(name string) (*user.User, error)
	euid   int
}

// New returns a launcher that resolves users from the system database
func New() *Launcher {
	return &Launcher{lookup: user.Lookup, euid: os.Geteuid()}
}

// Start spawns req.Command under /bin/sh as req.User
func (l *Launcher) Start(req Request) (Handle, error) {
	u, err := l.lookup(req.User)
	if err != nil {
		return nil, &UserLookupError{User: req.User, Cause: err}
	}

	dir := req.WorkingDir
	if dir == "" {
		dir = u.HomeDir
	}

	cmd := exec.Command(Shell, "-c", req.Command)
	cmd.Dir = dir
	cmd.Env = userEnv(os.Environ(), u, dir)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	attr := &syscall.SysProcAttr{Setpgid: true}
	cred, err := credential(u)
	if err != nil {
		return nil, &UserLookupError{User: req.User, Cause: err}
	}
	if int(cred.Uid) != l.euid {
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: req.Command, Cause: err}
	}

	log.WithFields(log.Fields{
		"pid":  cmd.Process.Pid,
		"user": u.Username,
		"dir":  dir,
	}).Debug("process started")

	return &process{cmd: cmd}, nil
}

// Kill sends SIGKILL to the process group led by pid
func Kill(pid int) error {
	if pid <= 0 {
		return errors.Errorf("invalid pid %d", pid)
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		// not a group leader, fall back to the single process
		if errors.Is(err, unix.ESRCH) {
			return errors.Wrapf(unix.Kill(pid, unix.SIGKILL), "kill %d", pid)
		}
		return errors.Wrapf(err, "kill process group %d", pid)
	}
	return nil
}

type process struct {
	cmd *exec.Cmd
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal()), nil
			}
			return status.ExitStatus(), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, errors.Wrap(err, "wait")
}

// userEnv inherits base with the identity variables replaced
func userEnv(base []string, u *user.User, dir string) []string {
	override := map[string]string{
		"HOME":    u.HomeDir,
		"LOGNAME": u.Username,
		"USER":    u.Username,
		"PWD":     dir,
	}

	env := make([]string, 0, len(base)+len(override))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := override[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range []string{"HOME", "LOGNAME", "USER", "PWD"} {
		env = append(env, key+"="+override[key])
	}
	return env
}

func credential(u *user.User) (*syscall.Credential, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "uid %q", u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "gid %q", u.Gid)
	}

	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	gids, err := u.GroupIds()
	if err != nil {
		// supplementary groups are optional, primary group is enough
		log.WithError(err).WithField("user", u.Username).Debug("no supplementary groups")
		return cred, nil
	}
	for _, g := range gids {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		cred.Groups = append(cred.Groups, uint32(n))
	}
	return cred, nil
}
