package workspace

import (
	"strings"
)

// Sanitize converts an arbitrary name into a directory-safe slug:
// lowercase, alphanumerics preserved, every other run of characters
// collapsed into a single hyphen, no leading or trailing hyphens.
// Sanitize is idempotent: Sanitize(Sanitize(x)) == Sanitize(x).
func Sanitize(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// goalBranchName builds the branch name for a goal worktree:
// goal/<slug-of-title>, or goal/<goalID> when the title yields nothing.
func goalBranchName(goalID, title string) string {
	slug := Sanitize(title)
	if slug == "" {
		slug = Sanitize(goalID)
	}
	if len(slug) > 40 {
		slug = strings.TrimSuffix(slug[:40], "-")
	}
	return "goal/" + slug
}

// shortSuffix returns a short disambiguation suffix derived from an ID.
func shortSuffix(id string) string {
	slug := Sanitize(id)
	if len(slug) > 8 {
		slug = slug[len(slug)-8:]
	}
	return slug
}
