package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretRule replaces every match of re with repl. repl may reference the
// rule's capture groups to keep a key-like prefix readable.
type secretRule struct {
	re   *regexp.Regexp
	repl string
}

// secretRules cover credentials that can leak into logs, ledger payloads and
// runtime transcripts.
var secretRules = []secretRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?)[A-Za-z0-9_\-./+=]{16,}"?`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + redactedPlaceholder},
	// Tracker personal access tokens.
	{regexp.MustCompile(`\b(?:ghp|gho|ghs|ghu)_[A-Za-z0-9]{30,}\b`), redactedPlaceholder},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{40,}\b`), redactedPlaceholder},
	// Telegram bot tokens: <digits>:<35 chars>.
	{regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`), redactedPlaceholder},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), redactedPlaceholder},
}

// Redact masks secret-bearing substrings of s.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range secretRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}
