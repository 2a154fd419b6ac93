// Command helloworld creates a single node with an operator that reports a
// greeting, and evaluates it.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vk/dgsplice/internal/core"
	"github.com/vk/dgsplice/internal/ctxlog"
	"github.com/vk/dgsplice/internal/splice"
)

const helloWorldOp = `
operator "helloWorldOp" {
  exec = [report("Hello varomix from KL!")]
}
`

func main() {
	if err := run(context.Background(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, outW io.Writer) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx = ctxlog.WithLogger(ctx, logger)

	proc, err := core.Initialize(core.ProcessConfig{Logger: logger})
	if err != nil {
		return err
	}
	defer proc.Finalize()

	host, err := splice.NewHost(ctx, proc, splice.HostOptions{
		Optimization: core.OptimizeNone,
		ReportFunc:   func(message string) { fmt.Fprintln(outW, message) },
	})
	if err != nil {
		return err
	}
	defer host.Close()

	node, err := host.NewNode("myKLEnabledNode")
	if err != nil {
		return err
	}
	if err := node.ConstructOperator(ctx, "helloWorldOp", helloWorldOp); err != nil {
		return err
	}
	return node.Evaluate(ctx)
}
