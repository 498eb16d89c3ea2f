package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pixiwatch/internal/app"
	"pixiwatch/internal/status"
)

// Exit codes: 0 success / clean shutdown, 1 task failure (-once) or
// unrecoverable loop fault, 2 configuration error.
func main() {
	var (
		cfgPath string
		once    bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")
	flag.BoolVar(&once, "once", false, "run the watch task once and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(2)
	}

	if once {
		inv := a.RunOnce(ctx)
		if inv.Outcome != status.OutcomeSuccess {
			fmt.Fprintln(os.Stderr, "run failed:", inv.Error)
			os.Exit(1)
		}
		return
	}

	if err := a.RunLoop(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
