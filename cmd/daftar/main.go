// Command daftar runs one-shot book operations against the configured
// remote and prints the results as markdown.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	for _, c := range commands {
		commander.Register(c, "book")
	}

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
