// Package safety scans agent-authored tracker text for leaked credentials.
package safety

import (
	"regexp"
)

const redacted = "[REDACTED]"

// LeakWarning describes one secret found in agent output.
type LeakWarning struct {
	Pattern string
	Sample  string // redacted prefix for logging
}

// LeakDetector finds and masks secrets in text.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "credential assignment",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`\b(ghp|gho|ghs|ghu)_[A-Za-z0-9]{30,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`github_pat_[A-Za-z0-9_]{40,}`),
		desc: "GitHub fine-grained token",
	},
	{
		re:   regexp.MustCompile(`glpat-[A-Za-z0-9_\-]{20,}`),
		desc: "GitLab token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`),
		desc: "model provider API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan reports secrets in text without modifying it.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}
	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(text, 3) {
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample(match)})
		}
	}
	return warnings
}

// Redact replaces every match with [REDACTED] and returns the patterns hit.
func (d *LeakDetector) Redact(text string) (string, []string) {
	if text == "" {
		return text, nil
	}
	var hit []string
	for _, pat := range leakPatterns {
		if !pat.re.MatchString(text) {
			continue
		}
		hit = append(hit, pat.desc)
		text = pat.re.ReplaceAllString(text, redacted)
	}
	return text, hit
}

func sample(match string) string {
	if len(match) > 8 {
		return match[:6] + "..."
	}
	return "..."
}
