package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/mitsimi/oxitrack/cmd/oxitrack/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag
		Serve   commands.ServeCmd   `cmd:"" default:"withargs" help:"Start the heartbeat server"`
		Beat    commands.BeatCmd    `cmd:"" help:"Send a heartbeat to a server"`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply database migrations and exit"`
	}
)

func main() {
	ctx := context.Background()

	if err := commands.LoadEnvFiles(commands.DefaultEnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cmd := kong.Parse(&cli,
		kong.Name("oxitrack"),
		kong.Description("Heartbeat-based coding session tracker."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
