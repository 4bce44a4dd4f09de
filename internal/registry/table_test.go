package registry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolve_KnownHosts(t *testing.T) {
	table, err := NewTable("example.com", false, "")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	tests := []struct {
		host          string
		wantBase      string
		wantDockerHub bool
	}{
		{"docker.example.com", "https://registry-1.docker.io", true},
		{"docker-staging.example.com", "https://registry-1.docker.io", true},
		{"quay.example.com", "https://quay.io", false},
		{"gcr.example.com", "https://gcr.io", false},
		{"k8s-gcr.example.com", "https://k8s.gcr.io", false},
		{"k8s.example.com", "https://registry.k8s.io", false},
		{"ghcr.example.com", "https://ghcr.io", false},
		{"cloudsmith.example.com", "https://docker.cloudsmith.io", false},
		{"ecr.example.com", "https://public.ecr.aws", false},
		{"DOCKER.EXAMPLE.COM", "https://registry-1.docker.io", true},
		{"docker.example.com:443", "https://registry-1.docker.io", true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			res, err := table.Resolve(tt.host)
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.host, err)
			}
			if got := res.Entry.BaseURL.String(); got != tt.wantBase {
				t.Errorf("base URL = %q, want %q", got, tt.wantBase)
			}
			if res.Entry.IsDockerHub != tt.wantDockerHub {
				t.Errorf("IsDockerHub = %v, want %v", res.Entry.IsDockerHub, tt.wantDockerHub)
			}
			if res.Debug {
				t.Error("Debug = true for a table match")
			}
		})
	}
}

func TestResolve_UnknownHost(t *testing.T) {
	table, err := NewTable("example.com", false, "")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	tests := []string{
		"unknown.example.com",
		"docker.other.com",
		"example.com",
		"docker",
		"dockerx.example.com",
		"docker.example.com.evil.com",
	}

	for _, host := range tests {
		t.Run(host, func(t *testing.T) {
			_, err := table.Resolve(host)
			if !errors.Is(err, ErrUnknownHost) {
				t.Errorf("Resolve(%q) error = %v, want ErrUnknownHost", host, err)
			}
		})
	}
}

func TestResolve_DebugFallback(t *testing.T) {
	table, err := NewTable("example.com", true, "https://registry-1.docker.io")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	res, err := table.Resolve("whatever.localhost")
	if err != nil {
		t.Fatalf("Resolve() error = %v, want debug fallback", err)
	}
	if !res.Debug {
		t.Error("Debug = false, want true for fallback resolution")
	}
	if res.Entry.IsDockerHub {
		t.Error("IsDockerHub = true for debug fallback, want false")
	}
	if got := res.Entry.BaseURL.String(); got != "https://registry-1.docker.io" {
		t.Errorf("base URL = %q, want debug upstream", got)
	}

	// Table matches still win over the fallback.
	res, err = table.Resolve("quay.example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Debug {
		t.Error("Debug = true for a table match in debug mode")
	}
	if got := res.Entry.BaseURL.String(); got != "https://quay.io" {
		t.Errorf("base URL = %q, want %q", got, "https://quay.io")
	}
}

func TestResolve_DockerHubTokenRealm(t *testing.T) {
	table, err := NewTable("example.com", false, "")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	res, err := table.Resolve("docker.example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Entry.TokenRealm == nil {
		t.Fatal("Docker Hub entry has no token realm")
	}
	if got := res.Entry.TokenRealm.String(); got != "https://auth.docker.io/token" {
		t.Errorf("token realm = %q, want %q", got, "https://auth.docker.io/token")
	}

	res, err = table.Resolve("ghcr.example.com")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Entry.TokenRealm != nil {
		t.Errorf("ghcr token realm = %q, want none (discovered dynamically)", res.Entry.TokenRealm)
	}
}

func TestHosts(t *testing.T) {
	table, err := NewTable("example.com", false, "")
	if err != nil {
		t.Fatalf("NewTable: %v", err)
	}

	want := []string{
		"docker.example.com",
		"docker-staging.example.com",
		"quay.example.com",
		"gcr.example.com",
		"k8s-gcr.example.com",
		"k8s.example.com",
		"ghcr.example.com",
		"cloudsmith.example.com",
		"ecr.example.com",
	}
	if diff := cmp.Diff(want, table.Hosts()); diff != "" {
		t.Errorf("Hosts() mismatch (-want +got):\n%s", diff)
	}
}
