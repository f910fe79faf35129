package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const subagentsUsage = "Usage: /subagents [list|info <id|#>|log <id|#> [limit]|send <id|#> <text>|stop <id|#|all>]"

// SubagentDefinitions returns the /subagents and /stop command family.
// Kept separate from BuiltinDefinitions since it doesn't need
// *config.Config.
func SubagentDefinitions() []Definition {
	return []Definition{
		{
			Name:        "subagents",
			Description: "Manage background subagent runs",
			Usage:       subagentsUsage,
			Handler:     handleSubagentsCommand,
		},
		{
			Name:        "stop",
			Description: "Stop this conversation's active subagent runs",
			Usage:       "/stop",
			Handler:     handleStopCommand,
		},
	}
}

func handleSubagentsCommand(ctx context.Context, req Request) error {
	runtime := runtimeFromContext(ctx)
	if runtime == nil || runtime.SubagentOps() == nil {
		return reply(req, "Subagents are not available in this context.")
	}
	ops := runtime.SubagentOps()

	args := strings.Fields(commandArgs(req.Text))
	if len(args) < 1 {
		return reply(req, subagentsUsage)
	}

	switch args[0] {
	case "list":
		runs := ops.List()
		if len(runs) == 0 {
			return reply(req, "No subagent runs for this conversation.")
		}
		lines := make([]string, 0, len(runs)+1)
		lines = append(lines, "Subagent runs:")
		for i, r := range runs {
			label := r.Label
			if label == "" {
				label = r.RunID
			}
			lines = append(lines, fmt.Sprintf("%d. %s [%s] %s", i+1, label, r.Status, r.Task))
		}
		return reply(req, strings.Join(lines, "\n"))

	case "info":
		if len(args) != 2 {
			return reply(req, "Usage: /subagents info <id|#>")
		}
		runID, ok := resolveRunRef(ops, args[1])
		if !ok {
			return reply(req, fmt.Sprintf("No run %q found.", args[1]))
		}
		info, ok := ops.Info(runID)
		if !ok {
			return reply(req, fmt.Sprintf("No run %q found.", args[1]))
		}
		return reply(req, formatSubagentInfo(info))

	case "log":
		if len(args) < 2 || len(args) > 3 {
			return reply(req, "Usage: /subagents log <id|#> [limit]")
		}
		runID, ok := resolveRunRef(ops, args[1])
		if !ok {
			return reply(req, fmt.Sprintf("No run %q found.", args[1]))
		}
		limit := 0
		if len(args) == 3 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 1 {
				return reply(req, "Usage: /subagents log <id|#> [limit]")
			}
			limit = n
		}
		logText, ok := ops.Log(runID, limit)
		if !ok || logText == "" {
			return reply(req, fmt.Sprintf("No log available for %q.", args[1]))
		}
		return reply(req, logText)

	case "send":
		if len(args) < 3 {
			return reply(req, "Usage: /subagents send <id|#> <text>")
		}
		runID, ok := resolveRunRef(ops, args[1])
		if !ok {
			return reply(req, fmt.Sprintf("No run %q found.", args[1]))
		}
		message := strings.Join(args[2:], " ")
		if !ops.Send(runID, message) {
			return reply(req, fmt.Sprintf("Could not deliver to %q: run is not active.", args[1]))
		}
		return reply(req, "Sent.")

	case "stop":
		if len(args) != 2 {
			return reply(req, "Usage: /subagents stop <id|#|all>")
		}
		if args[1] == "all" {
			return handleStopCommand(ctx, req)
		}
		runID, ok := resolveRunRef(ops, args[1])
		if !ok {
			return reply(req, fmt.Sprintf("No run %q found.", args[1]))
		}
		if !ops.StopRun(runID) {
			return reply(req, fmt.Sprintf("Run %q is not active.", args[1]))
		}
		return reply(req, fmt.Sprintf("Stopped %s.", args[1]))

	default:
		return reply(req, subagentsUsage)
	}
}

func handleStopCommand(ctx context.Context, req Request) error {
	runtime := runtimeFromContext(ctx)
	if runtime == nil || runtime.SubagentOps() == nil {
		return reply(req, "Nothing to stop.")
	}
	killed := runtime.SubagentOps().Stop()
	if killed == 0 {
		return reply(req, "No active subagent runs to stop.")
	}
	return reply(req, fmt.Sprintf("Stopped %d active run(s).", killed))
}

// resolveRunRef turns "#N" (1-based position in the requester's list)
// or a raw run id into a run id.
func resolveRunRef(ops SubagentOps, ref string) (string, bool) {
	if strings.HasPrefix(ref, "#") {
		n, err := strconv.Atoi(strings.TrimPrefix(ref, "#"))
		if err != nil || n < 1 {
			return "", false
		}
		runs := ops.List()
		if n > len(runs) {
			return "", false
		}
		return runs[n-1].RunID, true
	}
	return ref, true
}

func formatSubagentInfo(info SubagentSummary) string {
	status := info.Status
	if status == "" {
		status = "unknown"
	}
	runtimeStr := "running"
	if info.EndedAtMs > 0 {
		d := time.Duration(info.EndedAtMs-info.CreatedAtMs) * time.Millisecond
		runtimeStr = d.Round(time.Second).String()
	}
	label := info.Label
	if label == "" {
		label = info.RunID
	}
	return fmt.Sprintf("%s\nStatus: %s\nTask: %s\nRuntime: %s", label, status, info.Task, runtimeStr)
}
