package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/doctor"
	"github.com/basket/go-conductor/internal/otel"
)

func runDoctorCommand(ctx context.Context, args []string, w io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: conductor doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	diag := doctor.Run(ctx, &cfg, err, otel.Version)

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(w, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	writeLine(w, "Conductor Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))
	writeLine(w, "System: %s/%s (%s) %s", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	writeLine(w, "---")
	for _, res := range diag.Results {
		writeLine(w, "[%s] %-13s %s", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			writeLine(w, "       %s", res.Detail)
		}
	}
}
