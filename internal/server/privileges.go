package server

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// dropPrivileges switches to the configured unprivileged user and group.
// It runs after all privileged sockets are open and before any worker
// starts. A failure caused by missing rights is only a warning so the
// server can be tested as an ordinary user against virtual interfaces.
func dropPrivileges(username, groupname string) (bool, error) {
	if username == "" {
		return false, nil
	}

	u, err := user.Lookup(username)
	if err != nil {
		return false, fmt.Errorf("lookup user %q: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return false, fmt.Errorf("parse uid of %q: %w", username, err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return false, fmt.Errorf("parse gid of %q: %w", username, err)
	}
	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return false, fmt.Errorf("lookup group %q: %w", groupname, err)
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return false, fmt.Errorf("parse gid of %q: %w", groupname, err)
		}
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		if errors.Is(err, unix.EPERM) {
			return false, nil
		}
		return false, fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		if errors.Is(err, unix.EPERM) {
			return false, nil
		}
		return false, fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		if errors.Is(err, unix.EPERM) {
			return false, nil
		}
		return false, fmt.Errorf("setuid %d: %w", uid, err)
	}
	return true, nil
}
