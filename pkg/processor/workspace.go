package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// Already-canonical forms pass through unchanged.
var (
	localHashRe = regexp.MustCompile(`^local:[0-9a-f]+$`)
	bareRepoRe  = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*\.[a-z]{2,}(/[A-Za-z0-9._-]+){2}$`)

	// scp-like remotes: git@github.com:owner/repo.git
	scpRemoteRe = regexp.MustCompile(`^[A-Za-z0-9._-]+@([A-Za-z0-9.-]+):(.+)$`)
	// URL remotes: ssh://, https://, http://, git://
	urlRemoteRe = regexp.MustCompile(`^(?:ssh|https?|git)://(?:[^/@]+@)?([A-Za-z0-9.-]+)(?::\d+)?/(.+)$`)
)

// CanonicalizeWorkspaceID derives the stable cross-device workspace key
// from whatever identifier the client sent: a git remote in any common
// form becomes lowercase host/owner/repo, recognized canonical forms
// pass through, an empty value maps to the unassociated sentinel, and
// anything else is hashed so unrelated paths never collide on a
// cleaned-up prefix.
func CanonicalizeWorkspaceID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return models.WorkspaceUnassociated
	}
	if raw == models.WorkspaceUnassociated || localHashRe.MatchString(raw) {
		return raw
	}

	if m := scpRemoteRe.FindStringSubmatch(raw); m != nil {
		if c, ok := canonicalFromHostPath(m[1], m[2]); ok {
			return c
		}
	}
	if m := urlRemoteRe.FindStringSubmatch(raw); m != nil {
		if c, ok := canonicalFromHostPath(m[1], m[2]); ok {
			return c
		}
	}
	if bareRepoRe.MatchString(strings.ToLower(raw)) {
		return strings.ToLower(strings.TrimSuffix(raw, ".git"))
	}

	sum := sha256.Sum256([]byte(raw))
	return "local:" + hex.EncodeToString(sum[:])
}

// canonicalFromHostPath assembles host/owner/repo from a remote's host
// and path parts. Deeper paths (GitLab subgroups) keep only the last two
// segments so forks of the same repo group together.
func canonicalFromHostPath(host, path string) (string, bool) {
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", false
	}
	owner := parts[len(parts)-2]
	repo := parts[len(parts)-1]
	if owner == "" || repo == "" {
		return "", false
	}
	return strings.ToLower(host + "/" + owner + "/" + repo), true
}

// WorkspaceDisplayName picks the human label for a new workspace row
// from the raw identifier's trailing path segment.
func WorkspaceDisplayName(raw, canonical string) string {
	source := strings.TrimSpace(raw)
	if source == "" || canonical == models.WorkspaceUnassociated {
		return "unassociated"
	}
	if strings.HasPrefix(canonical, "local:") && !strings.ContainsAny(source, "/:") {
		return source
	}

	trimmed := strings.TrimSuffix(strings.Trim(source, "/"), ".git")
	if i := strings.LastIndexAny(trimmed, "/:"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if trimmed == "" {
		return canonical
	}
	return trimmed
}
