// Package guardrails rejects build inputs that would bake host secrets
// or system trees into an image. A build context is walked wholesale by
// COPY, so pointing it at /etc or ~/.ssh is almost never intentional.
package guardrails

import (
	"os/user"
	"path/filepath"
	"strings"

	appconfig "github.com/0xa1bed0/kiln/internal/apps/kiln/config"
	"github.com/0xa1bed0/kiln/internal/logs"
	"github.com/0xa1bed0/kiln/internal/utils"
)

// A forbidden rule: either exact path, prefix path, or glob.
type forbiddenRule struct {
	Path    string // normalized absolute path or pattern
	Exact   bool   // forbid ONLY this exact path
	Prefix  bool   // forbid this path AND any child paths
	Pattern bool   // forbid paths matching a glob-like pattern
}

var forbiddenRules []forbiddenRule

func init() {
	home := mustHome()

	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}

	raw := []forbiddenRule{
		// --- SYSTEM DIRECTORIES ---
		{Path: "/", Exact: true},
		{Path: "/bin", Prefix: true},
		{Path: "/sbin", Prefix: true},
		{Path: "/lib", Prefix: true},
		{Path: "/lib32", Prefix: true},
		{Path: "/lib64", Prefix: true},
		{Path: "/usr", Prefix: true},
		{Path: "/etc", Prefix: true},
		{Path: "/dev", Prefix: true},
		{Path: "/proc", Prefix: true},
		{Path: "/sys", Prefix: true},
		{Path: "/run", Prefix: true},
		{Path: "/var", Prefix: true},
		{Path: "/boot", Prefix: true},
		{Path: "/lost+found", Prefix: true},

		// --- CONTAINER SOCKETS ---
		{Path: "/var/run/docker.sock", Exact: true},
		{Path: "/run/docker.sock", Exact: true},
		{Path: "/var/run/containerd/containerd.sock", Exact: true},
		{Path: "/run/containerd/containerd.sock", Exact: true},

		// --- USER-SENSITIVE PATHS ---
		{Path: expand("~/.ssh"), Prefix: true},
		{Path: expand("~/.gnupg"), Prefix: true},
		{Path: expand("~/.pki"), Prefix: true},
		{Path: expand("~/.aws"), Prefix: true},
		{Path: expand("~/.azure"), Prefix: true},
		{Path: expand("~/.docker"), Prefix: true},
		{Path: expand("~/.kube"), Prefix: true},
		{Path: expand("~/.git-credentials"), Exact: true},
		{Path: expand("~/.config/gh"), Prefix: true},
		{Path: expand("~/.config/gcloud"), Prefix: true},
		{Path: expand("~/.local/share/keyrings"), Prefix: true},
		{Path: expand("~/.netrc"), Exact: true},
		{Path: expand("~/.keepass*"), Pattern: true},

		// --- KILN INTERNALS ---
		{Path: expand(appconfig.ConfigBasePath()), Prefix: true},
	}

	for _, r := range raw {
		r.Path = filepath.Clean(r.Path)
		forbiddenRules = append(forbiddenRules, r)
	}
}

func mustHome() string {
	usr, err := user.Current()
	if err != nil {
		panic(err)
	}
	return usr.HomeDir
}

// ForbiddenContextDir reports whether rawPath must not be used as a
// build context root. Unresolvable paths are refused outright.
func ForbiddenContextDir(rawPath string) bool {
	if rawPath == "" {
		rawPath = "."
	}

	p, err := utils.ResolveFolderStrict(rawPath)
	if err != nil {
		logs.Errorf("[guardrails] can't resolve path %s. error:%v", rawPath, err)
		return true
	}

	for _, rule := range forbiddenRules {
		r := rule.Path

		if rule.Exact && p == r {
			logs.Warnf("context %s is a forbidden path", p)
			return true
		}
		if rule.Prefix {
			if isUnderPrefix(r, p) {
				logs.Warnf("context %s is under forbidden path %s", p, r)
				return true
			}
		}
		if rule.Pattern {
			if strings.HasSuffix(r, "*") {
				prefix := strings.TrimSuffix(r, "*")
				if strings.HasPrefix(p, prefix) {
					logs.Warnf("context %s matches forbidden pattern %s", p, r)
					return true
				}
			}
		}
	}

	return false
}

func isUnderPrefix(base, path string) bool {
	path, err := utils.ResolvePathStrict(path)
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}
