package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/songzhibin97/coach-workflow/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx, cli.NewApp(), os.Args[1:])
	stop()
	os.Exit(code)
}
