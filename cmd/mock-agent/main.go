// Package main implements a mock agent binary for exercising the consume
// daemon without real coding agents. The scenario comes from the
// MOCK_AGENT_SCENARIO environment variable or the first argument; the binary
// prints the matching output signature and exits with the matching code.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// sessionID is unique per process so run metadata extraction can be verified.
var sessionID = fmt.Sprintf("mock-session-%d", os.Getpid())

func main() {
	scenario := os.Getenv("MOCK_AGENT_SCENARIO")
	if scenario == "" && len(os.Args) > 1 {
		scenario = os.Args[1]
	}
	if scenario == "" {
		scenario = "success"
	}

	switch scenario {
	case "success":
		fmt.Println("mock agent: task complete")
		emitMetadata()
		os.Exit(0)

	case "fail":
		fmt.Fprintln(os.Stderr, "mock agent: could not complete the task")
		os.Exit(1)

	case "network":
		fmt.Fprintln(os.Stderr, "mock agent: connection refused while calling the model API")
		os.Exit(1)

	case "permission":
		fmt.Println("mock agent: this tool needs permission to edit files outside the workspace")
		os.Exit(2)

	case "review-pass":
		fmt.Println("Reviewing the latest changes...")
		fmt.Println(`{"result": "pass", "issues": []}`)
		os.Exit(0)

	case "review-fail":
		fmt.Println("Reviewing the latest changes...")
		fmt.Println(`{"result": "fail", "issues": [{"description": "tests were not updated"}, "missing error handling"]}`)
		os.Exit(0)

	case "slow":
		delay := 2 * time.Second
		if ms, err := strconv.Atoi(os.Getenv("MOCK_AGENT_DELAY_MS")); err == nil && ms > 0 {
			delay = time.Duration(ms) * time.Millisecond
		}
		fmt.Println("mock agent: working...")
		time.Sleep(delay)
		fmt.Println("mock agent: task complete")
		emitMetadata()
		os.Exit(0)

	case "hang":
		fmt.Println("mock agent: hanging until killed")
		select {}

	default:
		fmt.Fprintf(os.Stderr, "mock agent: unknown scenario %q\n", scenario)
		os.Exit(1)
	}
}

// emitMetadata prints the final JSON line real agents emit with session and
// cost information.
func emitMetadata() {
	cost := 0.0042
	line, _ := json.Marshal(map[string]interface{}{
		"session_id":     sessionID,
		"total_cost_usd": cost,
		"model":          "mock-model",
	})
	fmt.Println(string(line))
}
