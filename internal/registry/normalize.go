package registry

import "strings"

// apiVerbs are the registry v2 path segments that follow a repository name.
var apiVerbs = map[string]bool{
	"manifests": true,
	"blobs":     true,
	"tags":      true,
	"referrers": true,
}

// NormalizePath inserts Docker Hub's implicit library/ namespace into paths
// that reference an official image by its bare name:
//
//	/v2/busybox/manifests/latest -> /v2/library/busybox/manifests/latest
//
// Paths that already carry a namespace, belong to other upstreams, or are not
// image references (/v2/, /v2/auth, /v2/token) pass through unchanged.
func NormalizePath(path string, isDockerHub bool) string {
	if !isDockerHub {
		return path
	}

	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) < 3 || segs[0] != "v2" {
		return path
	}
	// A single-segment repository name puts the API verb at index 2; a
	// namespaced name pushes it further right.
	if !apiVerbs[segs[2]] || segs[1] == "" {
		return path
	}

	rest := strings.Join(segs[2:], "/")
	return "/v2/library/" + segs[1] + "/" + rest
}

// NormalizeScope applies the same library/ shortcut to a token request scope:
//
//	repository:busybox:pull -> repository:library/busybox:pull
//
// Without this the token issued for an official image would not cover the
// normalized repository path. Scopes that are not the three-part repository
// form, or already namespaced, pass through unchanged.
func NormalizeScope(scope string, isDockerHub bool) string {
	if !isDockerHub {
		return scope
	}

	parts := strings.Split(scope, ":")
	if len(parts) != 3 || parts[0] != "repository" || strings.Contains(parts[1], "/") {
		return scope
	}

	parts[1] = "library/" + parts[1]
	return strings.Join(parts, ":")
}
