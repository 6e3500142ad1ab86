package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"
)

// terminalTimeout caps every run_terminal invocation.
const terminalTimeout = 30 * time.Second

// denylist blocks obviously destructive commands, case-insensitive
// substring match.
var denylist = []string{
	"rm -rf /",
	"format",
	"shutdown",
	"del /f /s /q",
	`rmdir /s /q c:`,
}

func (e *Executor) runTerminal(ctx context.Context, rawArgs json.RawMessage) string {
	var args struct {
		Command string `json:"command"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	command := strings.TrimSpace(args.Command)
	if command == "" {
		return "tool error: command is required"
	}

	lowered := strings.ToLower(command)
	for _, banned := range denylist {
		if strings.Contains(lowered, banned) {
			return fmt.Sprintf("tool error: command refused, contains %q", banned)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, terminalTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = e.root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Printf("[Tool] run_terminal: %s", command)
	err := cmd.Run()

	result := out.String()
	if runCtx.Err() == context.DeadlineExceeded {
		return result + fmt.Sprintf("\n(command timed out after %s, partial output above)", terminalTimeout)
	}
	if err != nil {
		return result + fmt.Sprintf("\n(command failed: %v)", err)
	}
	if strings.TrimSpace(result) == "" {
		return "(command completed with no output)"
	}
	return result
}
