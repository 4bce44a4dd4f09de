package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotBearer is returned when a WWW-Authenticate header does not carry a
// Bearer challenge.
var ErrNotBearer = errors.New("not a Bearer challenge")

// Challenge is a parsed Bearer WWW-Authenticate challenge. Params keeps the
// original parameter order so a reconstructed header differs from the
// upstream's only where we changed it.
type Challenge struct {
	Params []ChallengeParam
}

// ChallengeParam is one key="value" pair of a Bearer challenge.
type ChallengeParam struct {
	Key   string
	Value string
}

// ParseChallenge parses a header value of the form
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="..."
//
// into a Challenge. Parameter values may be quoted or bare tokens.
func ParseChallenge(header string) (Challenge, error) {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return Challenge{}, fmt.Errorf("%w: %q", ErrNotBearer, scheme)
	}

	var ch Challenge
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			break
		}

		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return Challenge{}, fmt.Errorf("malformed challenge parameter in %q", header)
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return Challenge{}, fmt.Errorf("unterminated quoted value in %q", header)
			}
			value = rest[1 : 1+end]
			rest = rest[end+2:]
		} else {
			end := strings.IndexAny(rest, ", \t")
			if end < 0 {
				end = len(rest)
			}
			value = rest[:end]
			rest = rest[end:]
		}

		ch.Params = append(ch.Params, ChallengeParam{Key: key, Value: value})
	}

	if ch.Realm() == "" {
		return Challenge{}, fmt.Errorf("challenge has no realm: %q", header)
	}
	return ch, nil
}

// Realm returns the realm parameter, or empty if absent.
func (c Challenge) Realm() string { return c.get("realm") }

// Service returns the service parameter, or empty if absent.
func (c Challenge) Service() string { return c.get("service") }

// Scope returns the scope parameter, or empty if absent.
func (c Challenge) Scope() string { return c.get("scope") }

func (c Challenge) get(key string) string {
	for _, p := range c.Params {
		if strings.EqualFold(p.Key, key) {
			return p.Value
		}
	}
	return ""
}

// WithRealm returns a copy of the challenge with the realm replaced and every
// other parameter untouched.
func (c Challenge) WithRealm(realm string) Challenge {
	out := Challenge{Params: make([]ChallengeParam, len(c.Params))}
	copy(out.Params, c.Params)
	for i, p := range out.Params {
		if strings.EqualFold(p.Key, "realm") {
			out.Params[i].Value = realm
		}
	}
	return out
}

// String reconstructs the header value.
func (c Challenge) String() string {
	var b strings.Builder
	b.WriteString("Bearer ")
	for i, p := range c.Params {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(p.Key)
		b.WriteString(`="`)
		b.WriteString(p.Value)
		b.WriteString(`"`)
	}
	return b.String()
}
