package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/InsulaLabs/relay/runtime"
)

func main() {
	rt, err := runtime.New(os.Args[1:], "relay.yaml")
	if err != nil {
		if errors.Is(err, runtime.ErrConfigGenerated) {
			os.Exit(0)
		}
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		slog.Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Application exiting.")
}
