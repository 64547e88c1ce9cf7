// Package doctor runs the local preflight checks behind `conductor doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// execCommand is replaced in tests.
var execCommand = func(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

// Run executes all diagnostic checks. loadErr is the error config.Load
// returned, if any; cfg is still inspected when it is set.
func Run(ctx context.Context, cfg *config.Config, loadErr error, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results, checkConfig(cfg, loadErr))
	checks := []func(context.Context, *config.Config) CheckResult{
		checkPolicy,
		checkDatabase,
		checkPermissions,
		checkRuntime,
		checkTracker,
		checkBindAddr,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(cfg *config.Config, loadErr error) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if loadErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "config.yaml rejected", Detail: loadErr.Error()}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (hash %s)", cfg.HomeDir, cfg.Fingerprint())}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := filepath.Join(cfg.HomeDir, config.PolicyFileName)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: "policy.yaml rejected", Detail: err.Error()}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Policy", Status: StatusWarn, Message: "policy.yaml missing; built-in defaults apply", Detail: "version " + p.PolicyVersion()}
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: "policy.yaml valid", Detail: "version " + p.PolicyVersion()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DatabasePath(), nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: fmt.Sprintf("Schema valid, %d agent records", total), Detail: cfg.DatabasePath()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkRuntime(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Runtime", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Runtime.Kind {
	case "genkit":
		provider := strings.ToLower(cfg.Runtime.Genkit.Provider)
		if provider == "" {
			provider = "google"
		}
		if strings.TrimSpace(cfg.Runtime.Genkit.APIKey) == "" {
			return CheckResult{
				Name:    "Runtime",
				Status:  StatusFail,
				Message: fmt.Sprintf("genkit: no API key for provider %s", provider),
				Detail:  "Set runtime.genkit.api_key or the provider API key variable (GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY)",
			}
		}
		return CheckResult{Name: "Runtime", Status: StatusPass, Message: fmt.Sprintf("genkit: provider %s configured", provider)}
	default:
		image := cfg.Runtime.Docker.Image
		if image == "" {
			image = "default agent image"
		}
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := execCommand(checkCtx, "docker", "info"); err != nil {
			return CheckResult{Name: "Runtime", Status: StatusFail, Message: fmt.Sprintf("docker: daemon unreachable (%v)", err)}
		}
		return CheckResult{Name: "Runtime", Status: StatusPass, Message: "docker: daemon reachable", Detail: image}
	}
}

func checkTracker(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tracker", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Tracker.BaseURL == "" {
		return CheckResult{Name: "Tracker", Status: StatusWarn, Message: "tracker.base_url not set; the daemon will use an in-memory tracker"}
	}
	u, err := url.Parse(cfg.Tracker.BaseURL)
	if err != nil || u.Hostname() == "" {
		return CheckResult{Name: "Tracker", Status: StatusFail, Message: fmt.Sprintf("tracker.base_url %q is not a URL", cfg.Tracker.BaseURL)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Tracker",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	if cfg.Tracker.Token == "" {
		return CheckResult{Name: "Tracker", Status: StatusWarn, Message: fmt.Sprintf("%s resolved but tracker.token is empty", u.Hostname())}
	}
	return CheckResult{
		Name:    "Tracker",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
	}
}

func checkBindAddr(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Bind Address", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Bind Address",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unavailable (a daemon may already be running)", cfg.BindAddr),
			Detail:  err.Error(),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Bind Address", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
