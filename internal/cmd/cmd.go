// Package cmd implements emera's CLI.
package cmd

import (
	"context"
	"os"
	"os/signal"

	"go.followtheprocess.codes/cli"
	"go.followtheprocess.codes/emera/internal/emera"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

const rootLong = `
emera runs the JavaScript and JSX embedded in a vault of markdown notes
and renders what it produces in their place.

Code goes in fenced blocks tagged emjs (scripts) or emera (markup), or
in inline code starting with emjs: or emera:. Components exported from
the vault's components folder are available to every document.

Run with no subcommand to pick a document from the current directory
and edit it with a live preview.
`

// Build returns the root emera CLI command.
func Build() (*cli.Command, error) {
	var debug bool
	return cli.New(
		"emera",
		cli.Short("Run the code embedded in markdown notes"),
		cli.Long(rootLong),
		cli.Allow(cli.NoArgs()),
		cli.Version(version),
		cli.Commit(commit),
		cli.BuildDate(date),
		cli.Flag(&debug, "debug", 'd', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, debug)
			return app.Edit(ctx, "", emera.VaultOptions{})
		}),
		cli.SubCommands(initialise, check, regions, render, show, exports, repl, edit),
	)
}

// initialise returns the init subcommand.
func initialise() (*cli.Command, error) {
	var options emera.InitOptions
	return cli.New(
		"init",
		cli.Short("Set up a vault with default settings and a starter user module"),
		cli.Allow(cli.NoArgs()),
		cli.Flag(&options.Vault, "vault", cli.NoShortHand, "", "Root of the vault, defaults to the current directory"),
		cli.Flag(&options.Config, "config", 'c', "", "Settings file, defaults to emera.yaml in the vault root"),
		cli.Flag(&options.Force, "force", 'f', false, "Overwrite an existing settings file"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, false)
			return app.Init(options)
		}),
	)
}

// check returns the check subcommand.
func check() (*cli.Command, error) {
	var debug bool
	return cli.New(
		"check",
		cli.Short("Check markdown documents for malformed regions and code that won't compile"),
		cli.Allow(cli.MinArgs(1)),
		cli.Flag(&debug, "debug", 'd', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, debug)
			return app.Check(ctx, args)
		}),
	)
}

// regions returns the regions subcommand.
func regions() (*cli.Command, error) {
	var options emera.RegionsOptions
	return cli.New(
		"regions",
		cli.Short("List the code regions in a markdown document"),
		cli.RequiredArg("file", "Path of the markdown document"),
		cli.Flag(&options.JSON, "json", 'j', false, "Output the regions as JSON"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, false)
			return app.Regions(cmd.Arg("file"), options)
		}),
	)
}

const renderLong = `
The document is rendered to HTML with every region replaced by its
output, exactly as the live preview would show it once everything has
finished running.

The user module is loaded from the vault first, the vault being the
current directory unless '--vault' says otherwise.
`

// render returns the render subcommand.
func render() (*cli.Command, error) {
	var (
		options emera.RenderOptions
		debug   bool
	)
	return cli.New(
		"render",
		cli.Short("Render a markdown document to HTML, running its code"),
		cli.Long(renderLong),
		cli.RequiredArg("file", "Path of the markdown document, inside the vault"),
		cli.Flag(&options.Vault, "vault", cli.NoShortHand, "", "Root of the vault, defaults to the current directory"),
		cli.Flag(&options.Config, "config", 'c', "", "Settings file, defaults to emera.yaml in the vault root"),
		cli.Flag(&options.Output, "output", 'o', "", "Name of a file to write the HTML to"),
		cli.Flag(&options.Standalone, "standalone", 's', false, "Wrap the output in a full HTML page with injected styles"),
		cli.Flag(&debug, "debug", 'd', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, debug)
			return app.Render(ctx, cmd.Arg("file"), options)
		}),
	)
}

// show returns the show subcommand.
func show() (*cli.Command, error) {
	var (
		options emera.ShowOptions
		debug   bool
	)
	return cli.New(
		"show",
		cli.Short("Show the user module as it is loaded"),
		cli.Allow(cli.NoArgs()),
		cli.Flag(&options.Vault, "vault", cli.NoShortHand, "", "Root of the vault, defaults to the current directory"),
		cli.Flag(&options.Config, "config", 'c', "", "Settings file, defaults to emera.yaml in the vault root"),
		cli.Flag(&options.Bundle, "bundle", 'b', false, "Show the bundle before it is compiled"),
		cli.Flag(&debug, "debug", 'd', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, debug)
			return app.Show(ctx, options)
		}),
	)
}

// exports returns the exports subcommand.
func exports() (*cli.Command, error) {
	var (
		options emera.ExportsOptions
		debug   bool
	)
	return cli.New(
		"exports",
		cli.Short("List what the user module exports to every document"),
		cli.Allow(cli.NoArgs()),
		cli.Flag(&options.Vault, "vault", cli.NoShortHand, "", "Root of the vault, defaults to the current directory"),
		cli.Flag(&options.Config, "config", 'c', "", "Settings file, defaults to emera.yaml in the vault root"),
		cli.Flag(&options.JSON, "json", 'j', false, "Output the exports as JSON"),
		cli.Flag(&debug, "debug", 'd', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, debug)
			return app.Exports(ctx, options)
		}),
	)
}

// repl returns the repl subcommand.
func repl() (*cli.Command, error) {
	var (
		options emera.VaultOptions
		debug   bool
	)
	return cli.New(
		"repl",
		cli.Short("Evaluate expressions against the user module interactively"),
		cli.Allow(cli.NoArgs()),
		cli.Flag(&options.Vault, "vault", cli.NoShortHand, "", "Root of the vault, defaults to the current directory"),
		cli.Flag(&options.Config, "config", 'c', "", "Settings file, defaults to emera.yaml in the vault root"),
		cli.Flag(&debug, "debug", 'd', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, debug)
			return app.Repl(context.Background(), options)
		}),
	)
}

// edit returns the edit subcommand.
func edit() (*cli.Command, error) {
	var (
		options emera.VaultOptions
		file    string
		debug   bool
	)
	return cli.New(
		"edit",
		cli.Short("Edit a markdown document with a live preview"),
		cli.Allow(cli.NoArgs()),
		cli.Flag(&file, "file", 'f', "", "Document to edit, picked interactively if not given"),
		cli.Flag(&options.Vault, "vault", cli.NoShortHand, "", "Root of the vault, defaults to the current directory"),
		cli.Flag(&options.Config, "config", 'c', "", "Settings file, defaults to emera.yaml in the vault root"),
		cli.Flag(&debug, "debug", 'd', false, "Enable debug logging"),
		cli.Run(func(cmd *cli.Command, args []string) error {
			app := emera.New(cmd.Stdout(), cmd.Stderr(), version, debug)
			return app.Edit(context.Background(), file, options)
		}),
	)
}
