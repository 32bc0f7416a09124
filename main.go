// main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/okibara/wayfind/cmd"
	"github.com/okibara/wayfind/internal/observability"
)

func main() {
	// Interrupts cancel the context instead of killing the process, so an
	// in-flight run can record its outcome and the browser can shut down.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := cmd.Execute(ctx)

	stop()
	observability.Sync()

	// A canceled run is a deliberate operator action, not a failure.
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
