package registry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   Challenge
	}{
		{
			name:   "docker hub challenge",
			header: `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/busybox:pull"`,
			want: Challenge{Params: []ChallengeParam{
				{Key: "realm", Value: "https://auth.docker.io/token"},
				{Key: "service", Value: "registry.docker.io"},
				{Key: "scope", Value: "repository:library/busybox:pull"},
			}},
		},
		{
			name:   "realm only",
			header: `Bearer realm="https://ghcr.io/token"`,
			want: Challenge{Params: []ChallengeParam{
				{Key: "realm", Value: "https://ghcr.io/token"},
			}},
		},
		{
			name:   "spaces between parameters",
			header: `Bearer realm="https://quay.io/v2/auth", service="quay.io"`,
			want: Challenge{Params: []ChallengeParam{
				{Key: "realm", Value: "https://quay.io/v2/auth"},
				{Key: "service", Value: "quay.io"},
			}},
		},
		{
			name:   "unquoted parameter value",
			header: `Bearer realm="https://auth.example.io/token",error=insufficient_scope`,
			want: Challenge{Params: []ChallengeParam{
				{Key: "realm", Value: "https://auth.example.io/token"},
				{Key: "error", Value: "insufficient_scope"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChallenge(tt.header)
			if err != nil {
				t.Fatalf("ParseChallenge() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("challenge mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseChallenge_Errors(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"basic scheme", `Basic realm="registry"`},
		{"empty", ""},
		{"no realm", `Bearer service="registry.docker.io"`},
		{"unterminated quote", `Bearer realm="https://auth.docker.io/token`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseChallenge(tt.header); err == nil {
				t.Errorf("ParseChallenge(%q) expected error, got nil", tt.header)
			}
		})
	}

	_, err := ParseChallenge(`Basic realm="registry"`)
	if !errors.Is(err, ErrNotBearer) {
		t.Errorf("error = %v, want ErrNotBearer", err)
	}
}

func TestChallenge_WithRealm(t *testing.T) {
	ch, err := ParseChallenge(`Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/busybox:pull"`)
	if err != nil {
		t.Fatalf("ParseChallenge() error = %v", err)
	}

	rewritten := ch.WithRealm("https://docker.example.com/v2/auth")

	if got := rewritten.Realm(); got != "https://docker.example.com/v2/auth" {
		t.Errorf("realm = %q, want rewritten realm", got)
	}
	if got := rewritten.Service(); got != "registry.docker.io" {
		t.Errorf("service = %q, want preserved", got)
	}
	if got := rewritten.Scope(); got != "repository:library/busybox:pull" {
		t.Errorf("scope = %q, want preserved", got)
	}

	// The original challenge is untouched.
	if got := ch.Realm(); got != "https://auth.docker.io/token" {
		t.Errorf("original realm = %q, want unchanged", got)
	}

	want := `Bearer realm="https://docker.example.com/v2/auth",service="registry.docker.io",scope="repository:library/busybox:pull"`
	if got := rewritten.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestChallenge_RoundTrip(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io"`
	ch, err := ParseChallenge(header)
	if err != nil {
		t.Fatalf("ParseChallenge() error = %v", err)
	}
	if got := ch.String(); got != header {
		t.Errorf("String() = %q, want %q", got, header)
	}
}
