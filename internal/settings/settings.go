// ============================================================================
// gpuq User Settings - environment resolver
// ============================================================================
//
// Package: internal/settings
// File: settings.go
// Purpose: Map (user, environment name) to an interpreter path and the
//          working directory jobs in that environment start in
//
// Layout of the YAML store:
//
//	alice:
//	  torch:
//	    env_path: /home/alice/anaconda3/envs/torch/bin/python
//	    working_dir: /home/alice
//
// The store is created on first use by discovering conda environments in
// every local user's home. It sits next to the job table, is world
// read/write, and is updated under its own file lock.
//
// ============================================================================

package settings

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/gpuq/internal/filelock"
)

// CondaRoots directories under a home that hold conda installations
var CondaRoots = []string{"anaconda3", "miniconda3"}

// Env one interpreter and its default working directory
type Env struct {
	EnvPath    string `yaml:"env_path"`
	WorkingDir string `yaml:"working_dir"`
}

// Settings user -> environment name -> Env
type Settings map[string]map[string]Env

// UnknownUserError user has no account on this host
type UnknownUserError struct {
	User  string
	Known []string
}

func (e *UnknownUserError) Error() string {
	return fmt.Sprintf("user %q does not exist, choose from %v", e.User, e.Known)
}

// UnknownEnvError environment is not registered for the user
type UnknownEnvError struct {
	User      string
	Env       string
	Available []string
}

func (e *UnknownEnvError) Error() string {
	return fmt.Sprintf("invalid environment for %q: %s (available: %v)", e.User, e.Env, e.Available)
}

// Store YAML-backed settings
type Store struct {
	path  string
	users UserSource
	lock  *filelock.Lock
}

// NewStore a store at path discovering environments for users
func NewStore(path string, users UserSource, lockTimeout time.Duration) *Store {
	return &Store{
		path:  path,
		users: users,
		lock:  filelock.New(path+".lock", lockTimeout),
	}
}

// Path of the settings file
func (s *Store) Path() string {
	return s.path
}

// Load reads the store, creating it through discovery when it does not exist
func (s *Store) Load(ctx context.Context) (Settings, error) {
	st, err := s.read()
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	log.WithField("path", s.path).Info("user settings not found, creating")
	var created Settings
	err = s.locked(ctx, func() error {
		// another process may have won the race
		if st, err := s.read(); err == nil {
			created = st
			return nil
		}
		users, err := s.users.LocalUsers()
		if err != nil {
			return err
		}
		created, err = Discover(users)
		if err != nil {
			// partial discovery is still useful
			log.WithError(err).Warn("some user environments could not be discovered")
		}
		return s.write(created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Resolve returns the Env for user. env may be a registered name or an
// interpreter path already in the user's settings.
func (s *Store) Resolve(ctx context.Context, user, env string) (Env, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return Env{}, err
	}
	envs := st[user]

	if e, ok := envs[env]; ok {
		return e, nil
	}
	if _, err := os.Stat(env); err == nil {
		for _, e := range envs {
			if e.EnvPath == env {
				return e, nil
			}
		}
	}
	return Env{}, &UnknownEnvError{User: user, Env: env, Available: names(envs)}
}

// Update registers or re-points env for user with workingDir (the user's
// home when empty). Users missing from the store are discovered first. env
// must be one of the user's discovered environments.
func (s *Store) Update(ctx context.Context, user, env, workingDir string) (Settings, error) {
	var out Settings
	err := s.locked(ctx, func() error {
		st, err := s.read()
		if errors.Is(err, os.ErrNotExist) {
			st, err = Settings{}, nil
		}
		if err != nil {
			return err
		}

		lu, err := s.lookup(user)
		if err != nil {
			return err
		}
		if _, ok := st[user]; !ok {
			envs, err := discoverUser(lu)
			if err != nil {
				return err
			}
			st[user] = envs
		}

		if env == "" {
			out = st
			return s.write(st)
		}
		if _, ok := st[user][env]; !ok {
			return &UnknownEnvError{User: user, Env: env, Available: names(st[user])}
		}

		if workingDir == "" {
			workingDir = lu.Home
		}
		abs, err := filepath.Abs(workingDir)
		if err != nil {
			return errors.Wrapf(err, "working dir %s", workingDir)
		}
		e := st[user][env]
		e.WorkingDir = abs
		st[user][env] = e

		out = st
		return s.write(st)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Marshal renders settings as the YAML stored on disk
func Marshal(st Settings) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(st); err != nil {
		return nil, errors.Wrap(err, "encode settings")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode settings")
	}
	return buf.Bytes(), nil
}

func (s *Store) lookup(user string) (LocalUser, error) {
	users, err := s.users.LocalUsers()
	if err != nil {
		return LocalUser{}, err
	}
	known := make([]string, 0, len(users))
	for _, u := range users {
		if u.Name == user {
			return u, nil
		}
		known = append(known, u.Name)
	}
	return LocalUser{}, &UnknownUserError{User: user, Known: known}
}

func (s *Store) read() (Settings, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	st := Settings{}
	if err := yaml.Unmarshal(raw, &st); err != nil {
		return nil, errors.Wrapf(err, "parse settings %s", s.path)
	}
	return st, nil
}

// locked runs fn under the store lock, creating the store's directory
// for every local user first
func (s *Store) locked(ctx context.Context, fn func() error) error {
	if err := filelock.MkdirShared(filepath.Dir(s.path)); err != nil {
		return errors.Wrap(err, "settings")
	}
	return s.lock.With(ctx, fn)
}

func (s *Store) write(st Settings) error {
	raw, err := Marshal(st)
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp settings")
	}
	tmp := f.Name()
	_, err = f.Write(raw)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "write settings")
	}
	if err := os.Chmod(tmp, 0666); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "chmod settings")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "replace settings")
	}
	return nil
}

// ============================================================================
// Discovery
// ============================================================================

// Discover conda environments of every user. Users whose home cannot be read
// are skipped and reported together in the returned error.
func Discover(users []LocalUser) (Settings, error) {
	st := Settings{}
	var result *multierror.Error
	for _, u := range users {
		envs, err := discoverUser(u)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "user %s", u.Name))
			continue
		}
		st[u.Name] = envs
	}
	return st, result.ErrorOrNil()
}

func discoverUser(u LocalUser) (map[string]Env, error) {
	envs := map[string]Env{}
	for _, root := range CondaRoots {
		dir := filepath.Join(u.Home, root, "envs")
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			name := e.Name()
			if !e.IsDir() || name[0] == '.' {
				continue
			}
			if _, dup := envs[name]; dup {
				continue
			}
			envs[name] = Env{
				EnvPath:    filepath.Join(dir, name, "bin", "python"),
				WorkingDir: u.Home,
			}
		}
	}
	return envs, nil
}

func names(envs map[string]Env) []string {
	out := make([]string, 0, len(envs))
	for n := range envs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Info
// ============================================================================

// Info file-level facts about the settings store
type Info struct {
	Path     string
	Exists   bool
	Mode     os.FileMode
	Modified time.Time
	Size     int64
}

// Stat describes the settings file
func (s *Store) Stat() (Info, error) {
	info := Info{Path: s.path}
	fi, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, errors.Wrap(err, "stat settings")
	}
	info.Exists = true
	info.Mode = fi.Mode()
	info.Modified = fi.ModTime()
	info.Size = fi.Size()
	return info, nil
}
