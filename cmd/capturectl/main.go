// Command capturectl sends analytics events from the command line.
//
// It replays recorded client calls (capture, identify, group, ...) from a
// JSON Lines file through a capture client, or sends single events. Flags
// may also be set in a .env file in the working directory.
//
// Usage:
//
//	capturectl replay calls.jsonl --token phc_... --host https://app.example.com
//	capturectl capture signed_up --prop plan=pro --distinct-id user-42
//	capturectl config --config capture.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
