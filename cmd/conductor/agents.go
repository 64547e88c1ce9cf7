package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/persistence"
)

type agentsArgs struct {
	statuses []persistence.AgentStatus
	owner    string
	limit    int
}

func parseAgentsArgs(args []string) (agentsArgs, error) {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	status := fs.String("status", "", "comma-separated statuses (e.g. active,sleeping)")
	owner := fs.String("owner", "", "owner key (e.g. repo#42)")
	limit := fs.Int("limit", 100, "maximum records")
	if err := fs.Parse(args); err != nil {
		return agentsArgs{}, fmt.Errorf("usage: conductor agents [-status S] [-owner K] [-limit N]: %w", err)
	}
	if fs.NArg() > 0 {
		return agentsArgs{}, fmt.Errorf("usage: conductor agents [-status S] [-owner K] [-limit N]")
	}
	out := agentsArgs{owner: strings.TrimSpace(*owner), limit: *limit}
	if *status != "" {
		for _, part := range strings.Split(*status, ",") {
			st, err := persistence.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				return agentsArgs{}, err
			}
			out.statuses = append(out.statuses, st)
		}
	}
	return out, nil
}

func runAgentsCommand(ctx context.Context, args []string, w io.Writer) int {
	a, err := parseAgentsArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DatabasePath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open registry: %v\n", err)
		return 1
	}
	defer store.Close()

	records, err := store.QueryAgents(ctx, persistence.AgentFilter{OwnerKey: a.owner, Statuses: a.statuses, Limit: a.limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "list agents: %v\n", err)
		return 1
	}
	printAgents(w, records, time.Now())
	return 0
}

func printAgents(w io.Writer, records []persistence.AgentRecord, now time.Time) {
	if len(records) == 0 {
		writeLine(w, "no agents")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tROLE\tOWNER\tSTATUS\tBLOCKED BY\tUPDATED\tREASON")
	for _, r := range records {
		blocked := "-"
		if len(r.BlockedBy) > 0 {
			blocked = strings.Join(r.BlockedBy, ",")
		}
		reason := r.StatusReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.AgentID, r.Role, r.OwnerKey, r.Status, blocked, ago(now, r.UpdatedAt), reason)
	}
	_ = tw.Flush()
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
