// mockengine is a stand-in for a real engine CLI, used for exercising the
// loop end to end without spending tokens. It receives the prompt as its
// only argument and answers on stdout the way a scripted agent would.
//
// Behavior is driven by environment variables:
//
//	MOCKENGINE_MODE      done | not_done | blocked | prose | fail | hang (default done)
//	MOCKENGINE_EXIT_CODE exit code for fail mode (default 1)
//	MOCKENGINE_DELAY     optional duration to sleep before answering
//
// Wire it in with a config override such as:
//
//	"engines": {"mock": {"bin": "mockengine", "args": ["{prompt}"]}}
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: mockengine <prompt>")
		os.Exit(2)
	}
	prompt := os.Args[1]

	if d := os.Getenv("MOCKENGINE_DELAY"); d != "" {
		if dur, err := time.ParseDuration(d); err == nil {
			time.Sleep(dur)
		}
	}

	mode := os.Getenv("MOCKENGINE_MODE")
	if mode == "" {
		mode = "done"
	}

	switch mode {
	case "fail":
		code := 1
		if v := os.Getenv("MOCKENGINE_EXIT_CODE"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				code = n
			}
		}
		fmt.Fprintln(os.Stderr, "mockengine: simulated failure")
		os.Exit(code)
	case "hang":
		select {} // wait for the supervisor to kill us
	case "prose":
		fmt.Println("I looked at the task and it seems fine to me.")
		return
	}

	fmt.Printf("Reviewed prompt of %d bytes.\n\n", len(prompt))
	emitDecision(mode)
}

func emitDecision(mode string) {
	d := map[string]any{
		"done":        mode == "done",
		"decision":    mode,
		"explanation": "Scripted verdict from mockengine.",
	}
	switch mode {
	case "done":
		d["final_result"] = "All acceptance criteria are met."
	case "not_done":
		d["next_prompt"] = "Keep going; the scripted verifier wants another iteration."
	case "blocked":
		d["explanation"] = "Scripted blocker: a decision from a human is needed."
	}
	out, _ := json.MarshalIndent(d, "", "  ")
	fmt.Println(string(out))
}
