/*
Copyright © 2025 Mathias Djärv <mathias.djarv@allbinary.se>
*/
package main

import (
	"context"
	"log"
	"os"

	"github.com/allbin/probemon/cmd"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	if err := cmd.ExecuteContext(ctx); err != nil {
		pslog.Ctx(ctx).With("err", err).Error("probemon command failed")
		return 1
	}
	return 0
}
