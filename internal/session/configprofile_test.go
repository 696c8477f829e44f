package session

import "testing"

func TestParseWorkspaceProfileEmpty(t *testing.T) {
	iso, audit, err := ParseWorkspaceProfile(nil)
	if err != nil {
		t.Fatalf("ParseWorkspaceProfile: %v", err)
	}
	if iso.Mode != IsolationNone || audit {
		t.Fatalf("expected no isolation/audit for empty profile, got %+v audit=%v", iso, audit)
	}
}

func TestParseWorkspaceProfileDirectoryWithDomains(t *testing.T) {
	doc := []byte(`
fs:
  - "rw:/workspace"
  - "ro:/usr/share"
network:
  - "github.com"
  - "pypi.org"
audit: true
`)
	iso, audit, err := ParseWorkspaceProfile(doc)
	if err != nil {
		t.Fatalf("ParseWorkspaceProfile: %v", err)
	}
	if iso.Mode != IsolationDirectory {
		t.Fatalf("expected directory isolation, got %v", iso.Mode)
	}
	if iso.NetworkPolicy != "domains" || len(iso.Domains) != 2 {
		t.Fatalf("expected two domains, got %+v", iso)
	}
	if !audit {
		t.Fatalf("expected audit=true")
	}
}

func TestParseWorkspaceProfileFullNetwork(t *testing.T) {
	doc := []byte("network: \"*\"\n")
	iso, _, err := ParseWorkspaceProfile(doc)
	if err != nil {
		t.Fatalf("ParseWorkspaceProfile: %v", err)
	}
	if iso.NetworkPolicy != "full" {
		t.Fatalf("expected full network policy, got %v", iso.NetworkPolicy)
	}
}

func TestRenderProfileRoundTrip(t *testing.T) {
	iso := WorkspaceIsolation{
		Mode:          IsolationDirectory,
		MountRules:    []string{"rw:/workspace"},
		NetworkPolicy: "domains",
		Domains:       []string{"example.com"},
	}
	data, err := iso.RenderProfile()
	if err != nil {
		t.Fatalf("RenderProfile: %v", err)
	}
	reparsed, _, err := ParseWorkspaceProfile(data)
	if err != nil {
		t.Fatalf("ParseWorkspaceProfile(rendered): %v", err)
	}
	if reparsed.NetworkPolicy != "domains" || len(reparsed.Domains) != 1 || reparsed.Domains[0] != "example.com" {
		t.Fatalf("round trip mismatch: %+v", reparsed)
	}
	if len(reparsed.MountRules) != 1 || reparsed.MountRules[0] != "rw:/workspace" {
		t.Fatalf("round trip mismatch on mount rules: %+v", reparsed)
	}
}
