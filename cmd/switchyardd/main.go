// Command switchyardd runs the coordination and batching engine as a
// daemon, exposing the submitter API over HTTP. Device sessions are opened
// through a dry-run executor unless the embedding deployment replaces it;
// real vendor command execution is supplied by the orchestration side when
// the engine is used as a library.
package main

import (
	"os"

	"pkt.systems/pslog"
)

func main() {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SWITCHYARD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	)
	cmd := newRootCommand(baseLogger)
	if err := cmd.Execute(); err != nil {
		baseLogger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
