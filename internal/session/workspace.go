package session

import (
	"fmt"
	"os"
	"strings"

	"github.com/wingterm/termd/internal/sandbox"
)

// resolveSandbox turns a WorkspaceIsolation request into a concrete
// sandbox.Sandbox plus, for NetworkPolicy "domains", a running domain-filter
// proxy, grounded in egg.RunSession's FS/Network rule handling: "rw:"/"ro:"
// prefixes become mounts, "deny:" prefixes become denied paths, and a
// non-empty Domains list starts the same localhost CONNECT proxy the
// teacher starts before building its child's env (internal/egg/server.go's
// domainProxy). IsolationNone and IsolationContainer never build a
// sandbox.Sandbox here — container mode is handed off to an external
// container runtime and the supervisor only records the handle it is given
// back (§4.D).
//
// sessionID is passed through as sandbox.Config.SessionID so the Linux
// backend can name its cgroup uniquely per session
// (internal/sandbox/cgroup_linux.go).
//
// The returned env map holds any extra environment variables the caller
// must merge into the child's env (currently just HTTP(S)_PROXY when a
// domain proxy was started); it is nil when there's nothing to add.
func resolveSandbox(sessionID string, iso WorkspaceIsolation) (sandbox.Sandbox, *sandbox.DomainProxy, map[string]string, error) {
	if iso.Mode != IsolationDirectory {
		return nil, nil, nil, nil
	}
	var mounts []sandbox.Mount
	var deny []string
	for _, rule := range iso.MountRules {
		switch {
		case strings.HasPrefix(rule, "rw:"):
			p := strings.TrimPrefix(rule, "rw:")
			mounts = append(mounts, sandbox.Mount{Source: p, Target: p, ReadOnly: false})
		case strings.HasPrefix(rule, "ro:"):
			p := strings.TrimPrefix(rule, "ro:")
			mounts = append(mounts, sandbox.Mount{Source: p, Target: p, ReadOnly: true})
		case strings.HasPrefix(rule, "deny:"):
			deny = append(deny, strings.TrimPrefix(rule, "deny:"))
		}
	}

	level, proxy, env := resolveNetworkPolicy(iso.NetworkPolicy, iso.Domains)

	sb, err := sandbox.New(sandbox.Config{
		SessionID: sessionID,
		Isolation: level,
		Mounts:    mounts,
		Deny:      deny,
	})
	if err != nil {
		if proxy != nil {
			proxy.Close()
		}
		return nil, nil, nil, err
	}
	return sb, proxy, env, nil
}

// resolveNetworkPolicy maps a WorkspaceIsolation.NetworkPolicy onto a
// sandbox.Level and, for "domains", starts the localhost CONNECT proxy
// (internal/sandbox/proxy.go) and the env vars that route the child's HTTP
// clients through it — the same shape as the teacher's domainProxy +
// envMap["HTTPS_PROXY"] pairing in internal/egg/server.go. A proxy start
// failure degrades to no filtering rather than failing session creation,
// mirroring the teacher's "falling back to port-level filtering" comment.
func resolveNetworkPolicy(policy string, domains []string) (sandbox.Level, *sandbox.DomainProxy, map[string]string) {
	switch policy {
	case "full":
		return sandbox.Network, nil, nil
	case "domains":
		if len(domains) == 0 {
			return sandbox.Standard, nil, nil
		}
		p, err := sandbox.StartProxy(domains)
		if err != nil {
			return sandbox.Standard, nil, nil
		}
		proxyURL := fmt.Sprintf("http://localhost:%d", p.Port())
		return sandbox.Network, p, map[string]string{
			"HTTPS_PROXY": proxyURL,
			"HTTP_PROXY":  proxyURL,
		}
	default:
		return sandbox.Standard, nil, nil
	}
}

// teardownWorkspace removes ephemeral bind-mount artifacts and destroys the
// sandbox and any domain proxy, mirroring egg.Session's sb.Destroy()/
// domainProxy.Close() ordering: always called after the PTY is confirmed
// dead.
func teardownWorkspace(sb sandbox.Sandbox, proxy *sandbox.DomainProxy, iso WorkspaceIsolation) error {
	var firstErr error
	if sb != nil {
		if err := sb.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if proxy != nil {
		proxy.Close()
	}
	for _, p := range iso.EphemeralPaths {
		if err := os.RemoveAll(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
