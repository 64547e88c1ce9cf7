package engine

import (
	"fmt"
	"strings"

	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/router"
	"github.com/basket/go-conductor/internal/runtime"
)

// PlanApprovalCondition is the wake condition a staged agent sleeps on.
const PlanApprovalCondition = "plan-approved"

const signalContract = `Report your state with the control tools:
- ` + runtime.ToolReportBlocked + `{"blocker_keys": [...], "wake_condition": "..."} when you cannot continue until other work items close.
- ` + runtime.ToolReportDone + `{"summary": "..."} when the work is delivered.
- ` + runtime.ToolReportStuck + `{"reason": "..."} when you need a human.
All tracker changes go through ` + runtime.ToolTrackerAction + `.`

func roleInstructions(rec *persistence.AgentRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s agent for work item %s", rec.Role, rec.OwnerKey)
	if rec.Scope != "" {
		fmt.Fprintf(&b, " in %s", rec.Scope)
	}
	b.WriteString(".\n")
	if rec.BranchRef != "" {
		fmt.Fprintf(&b, "Your branch is %s. Push only to it.\n", rec.BranchRef)
	}
	b.WriteString(signalContract)
	return b.String()
}

func initialPrompt(rec *persistence.AgentRecord) string {
	if router.SpawnMode(rec.SpawnMode) == router.SpawnStaged {
		return fmt.Sprintf(`Read work item %s and write an implementation plan as a comment on it.
Do not change code yet. When the plan is posted, call %s with wake_condition %q and no blocker keys.`,
			rec.OwnerKey, runtime.ToolReportBlocked, PlanApprovalCondition)
	}
	return fmt.Sprintf("Start work on %s. Read the item and its discussion first.", rec.OwnerKey)
}

func continuePrompt(warning string) string {
	if warning == "" {
		return "Continue."
	}
	return fmt.Sprintf("Continue. Note: %s. You are close to a limit, so wrap up and report your state.", warning)
}

// rehydratePrompt is the first instruction after a wake or re-attach.
func rehydratePrompt(rec *persistence.AgentRecord, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You were resumed: %s.\n", reason)
	fmt.Fprintf(&b, "Before any other work, re-read %s, its comments and linked reviews", rec.OwnerKey)
	if rec.BranchRef != "" {
		fmt.Fprintf(&b, ", and rebase %s onto its base", rec.BranchRef)
	}
	b.WriteString(". External state may have changed while you slept.")
	if rec.WakeCondition == PlanApprovalCondition {
		b.WriteString(" Your plan was approved; implement it.")
	}
	return b.String()
}

func checkpointPrompt(keys []string, wake string) string {
	until := wake
	if len(keys) > 0 {
		until = strings.Join(keys, ", ") + " close"
	}
	return fmt.Sprintf("You are being suspended until %s. Commit and push any work in progress now. Do not start anything new.", until)
}

func finalSummaryPrompt(reason string) string {
	return fmt.Sprintf(`You are being stopped and handed to a human: %s.
Tools are disabled. Reply with a short summary: what you did, where the work is, and what is left.`, reason)
}
