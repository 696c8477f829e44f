package session

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/wingterm/termd/internal/sandbox"
)

func TestResolveNetworkPolicyFull(t *testing.T) {
	level, proxy, env := resolveNetworkPolicy("full", nil)
	if level != sandbox.Network {
		t.Errorf("level = %v, want Network", level)
	}
	if proxy != nil {
		t.Errorf("expected no proxy for full network policy")
	}
	if env != nil {
		t.Errorf("expected no extra env for full network policy")
	}
}

func TestResolveNetworkPolicyNoneAndEmptyDomains(t *testing.T) {
	level, proxy, env := resolveNetworkPolicy("none", nil)
	if level != sandbox.Standard || proxy != nil || env != nil {
		t.Fatalf("none policy: got level=%v proxy=%v env=%v", level, proxy, env)
	}

	level, proxy, env = resolveNetworkPolicy("domains", nil)
	if level != sandbox.Standard || proxy != nil || env != nil {
		t.Fatalf("domains policy with no domains: got level=%v proxy=%v env=%v", level, proxy, env)
	}
}

func TestResolveNetworkPolicyDomainsStartsProxyAndSetsEnv(t *testing.T) {
	level, proxy, env := resolveNetworkPolicy("domains", []string{"example.com"})
	if proxy == nil {
		t.Fatalf("expected a running domain proxy")
	}
	defer proxy.Close()

	if level != sandbox.Network {
		t.Errorf("level = %v, want Network (the proxy, not the sandbox level, filters egress)", level)
	}
	wantURL := "http://localhost:" + strconv.Itoa(proxy.Port())
	if env["HTTPS_PROXY"] != wantURL || env["HTTP_PROXY"] != wantURL {
		t.Errorf("env = %+v, want HTTP(S)_PROXY=%s", env, wantURL)
	}

	// The proxy should actually be listening and rejecting a CONNECT to a
	// host that isn't on the domain allowlist.
	req, err := http.NewRequest(http.MethodConnect, fmt.Sprintf("http://localhost:%d/", proxy.Port()), nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Host = "not-allowed.test:443"
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected CONNECT to a non-whitelisted host to be rejected with 403, got %d", resp.StatusCode)
	}
}
