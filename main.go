// Command policyfuzz inspects fuzzing policies: it validates policy files,
// resolves their functions in a running process and helps refine
// host-runtime symbol names.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/crabnebula-dev/tauri-fuzz-sub000/config"
)

func main() {
	// Ensure we never panic from main
	defer func() {
		if r := recover(); r != nil {
			errorResult := map[string]interface{}{
				"error":   "fatal panic in main",
				"details": fmt.Sprintf("%v", r),
			}
			json.NewEncoder(os.Stderr).Encode(errorResult)
			os.Exit(1)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		outputError(os.Stderr, "configuration failed", err)
		os.Exit(1)
	}
	if err := cfg.SetupLogging(os.Stderr); err != nil {
		outputError(os.Stderr, "logging setup failed", err)
		os.Exit(1)
	}

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	for _, cmd := range newCommands(cfg) {
		subcommands.Register(cmd, "")
	}

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
