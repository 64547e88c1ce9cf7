package breaker

import "strings"

var verificationMarkers = []string{
	"go test", "go vet", "pytest", "npm test", "npm run test", "yarn test", "pnpm test",
	"cargo test", "make test", "make check", "mvn test", "gradle test", "jest",
	"rspec", "phpunit", "ctest",
}

var verificationTools = map[string]bool{
	"run_tests":  true,
	"test":       true,
	"verify":     true,
	"check":      true,
	"run_checks": true,
}

// ClassifyTool returns the kinds a tool call charges. Every call charges a
// tool_call; test and verification runs also charge an iteration.
func ClassifyTool(name, args string) []Kind {
	kinds := []Kind{KindToolCall}
	if isVerification(name, args) {
		kinds = append(kinds, KindIteration)
	}
	return kinds
}

func isVerification(name, args string) bool {
	if verificationTools[strings.ToLower(name)] {
		return true
	}
	cmd := strings.ToLower(args)
	for _, m := range verificationMarkers {
		if strings.Contains(cmd, m) {
			return true
		}
	}
	return false
}
