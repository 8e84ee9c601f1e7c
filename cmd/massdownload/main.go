// Command massdownload drives the mass ingestion engine: enumerate
// channels, record videos, and optionally stream their media to durable
// object storage, resuming interrupted jobs from persisted progress.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/massingest/engine/internal/app"
)

func main() {
	ctx := context.Background()
	err := app.Run(ctx, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(app.ExitCode(err))
}
