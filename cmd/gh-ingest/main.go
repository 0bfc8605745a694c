// Command gh-ingest incrementally loads GitHub REST collections into
// Postgres, resuming each resource from its stored watermark.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "gh-ingest:", err)
		os.Exit(1)
	}
}
