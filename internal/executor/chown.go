package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/moby/sys/user"
)

// resolveChown turns a "--chown=user[:group]" spec into numeric ids.
// Names are looked up in the stage rootfs's /etc/passwd and /etc/group,
// not the host's. An empty spec means "leave ownership alone".
func resolveChown(rootfs, spec string) (ownership, error) {
	if spec == "" {
		return ownership{}, nil
	}

	userPart, groupPart, hasGroup := strings.Cut(spec, ":")

	uid, primaryGid, err := lookupUser(rootfs, userPart)
	if err != nil {
		return ownership{}, err
	}

	gid := primaryGid
	if hasGroup && groupPart != "" {
		gid, err = lookupGroup(rootfs, groupPart)
		if err != nil {
			return ownership{}, err
		}
	}

	return ownership{uid: uid, gid: gid, set: true}, nil
}

func lookupUser(rootfs, name string) (uid, gid int, err error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, n, nil
	}

	passwd := filepath.Join(rootfs, "etc/passwd")
	users, err := user.ParsePasswdFileFilter(passwd, func(u user.User) bool {
		return u.Name == name
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, fmt.Errorf("executor: chown user %q: rootfs has no /etc/passwd", name)
		}
		return 0, 0, fmt.Errorf("executor: chown user %q: %w", name, err)
	}
	if len(users) == 0 {
		return 0, 0, fmt.Errorf("executor: chown user %q not found in rootfs", name)
	}
	return users[0].Uid, users[0].Gid, nil
}

func lookupGroup(rootfs, name string) (int, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return n, nil
	}

	groupFile := filepath.Join(rootfs, "etc/group")
	groups, err := user.ParseGroupFileFilter(groupFile, func(g user.Group) bool {
		return g.Name == name
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("executor: chown group %q: rootfs has no /etc/group", name)
		}
		return 0, fmt.Errorf("executor: chown group %q: %w", name, err)
	}
	if len(groups) == 0 {
		return 0, fmt.Errorf("executor: chown group %q not found in rootfs", name)
	}
	return groups[0].Gid, nil
}
