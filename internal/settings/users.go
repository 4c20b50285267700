package settings

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LocalUser a login account on this host
type LocalUser struct {
	Name string
	UID  int
	Home string
}

// UserSource enumerates local users
type UserSource interface {
	LocalUsers() ([]LocalUser, error)
}

// Passwd reads users from a passwd(5) file, keeping regular accounts only
type Passwd struct {
	Path   string
	MinUID int
	MaxUID int
}

// SystemUsers regular accounts from /etc/passwd
func SystemUsers() *Passwd {
	return &Passwd{Path: "/etc/passwd", MinUID: 1000, MaxUID: 60000}
}

// LocalUsers implements UserSource
func (p *Passwd) LocalUsers() ([]LocalUser, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open passwd")
	}
	defer f.Close()
	return parsePasswd(f, p.MinUID, p.MaxUID)
}

// parsePasswd name:pw:uid:gid:gecos:home:shell
func parsePasswd(r io.Reader, minUID, maxUID int) ([]LocalUser, error) {
	var users []LocalUser
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 7 {
			continue
		}
		uid, err := strconv.Atoi(parts[2])
		if err != nil || uid < minUID || uid > maxUID {
			continue
		}
		users = append(users, LocalUser{Name: parts[0], UID: uid, Home: parts[5]})
	}
	return users, errors.Wrap(sc.Err(), "read passwd")
}

// StaticUsers fixed list, mostly for tests and single-user setups
type StaticUsers []LocalUser

// LocalUsers implements UserSource
func (s StaticUsers) LocalUsers() ([]LocalUser, error) {
	return s, nil
}
