// Command codemachine orchestrates AI coding-agent workflows across
// provider CLIs.
//
// Usage:
//
//	codemachine run --agent coder --prompt "fix the failing test"
//	codemachine run --workflow workflow.json
//	codemachine status
//	codemachine engines
//	codemachine logs 42 --follow
//	codemachine serve --port 8377
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/codemachine-ai/codemachine/pkg/logger"
	"github.com/codemachine-ai/codemachine/pkg/procutil"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Run     RunCmd     `cmd:"" help:"Run an agent or a workflow."`
	Status  StatusCmd  `cmd:"" help:"Show agent records."`
	Engines EnginesCmd `cmd:"" help:"List registered engines and their auth state."`
	Logs    LogsCmd    `cmd:"" help:"Print or follow an agent's log."`
	Serve   ServeCmd   `cmd:"" help:"Start the local status server."`

	Dir       string `short:"C" help:"Project directory." default:"." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("codemachine version %s\n", version)
	return nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("codemachine"),
		kong.Description("AI coding-agent workflow orchestrator."),
		kong.UsageOnError(),
	)

	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
		procutil.Global().ShutdownAll()
	}()

	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(cli)
	procutil.Global().ShutdownAll()
	kctx.FatalIfErrorf(err)
}
