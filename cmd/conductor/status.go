package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/reconcile"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor status")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	status, body, err := callDaemon(ctx, http.MethodGet, baseURL(cfg.BindAddr)+"/healthz", "", 3*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if status != http.StatusOK {
		return 1
	}
	return 0
}

// runReconcileCommand asks the running daemon for one reconcile pass. The
// pass runs in the daemon because only the daemon owns the live runners.
func runReconcileCommand(ctx context.Context, args []string, w io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: conductor reconcile")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	status, body, err := callDaemon(ctx, http.MethodPost, baseURL(cfg.BindAddr)+"/api/reconcile", cfg.Gateway.AuthToken, time.Minute)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: %v\n", err)
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "reconcile: daemon answered %d: %s\n", status, body)
		return 1
	}
	var rep reconcile.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		fmt.Fprintf(os.Stderr, "reconcile: decode report: %v\n", err)
		return 1
	}
	printReport(w, rep)
	if len(rep.Errors) > 0 {
		return 1
	}
	return 0
}

func printReport(w io.Writer, rep reconcile.Report) {
	writeLine(w, "checked %d records, %d corrections, %d errors", rep.Checked, len(rep.Corrections), len(rep.Errors))
	for _, c := range rep.Corrections {
		target := c.AgentID
		if target == "" {
			target = c.Key
		}
		writeLine(w, "  %-16s %-28s %s", c.Kind, target, c.Detail)
	}
	for _, e := range rep.Errors {
		writeLine(w, "  error: %s", e)
	}
}

func callDaemon(ctx context.Context, method, url, token string, timeout time.Duration) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}
