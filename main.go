// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/cli"

	"github.com/reflexsoar/reflexsoar-agent/command"
	"github.com/reflexsoar/reflexsoar-agent/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run executes the CLI with the default command set.
func Run(args []string) int {
	// The agent command is the workhorse; running the binary with flags and
	// no subcommand addresses it.
	if len(args) > 0 && args[0] != "" && args[0][0] == '-' &&
		args[0] != "-h" && args[0] != "-help" && args[0] != "--help" &&
		args[0] != "-v" && args[0] != "-version" && args[0] != "--version" {
		args = append([]string{"agent"}, args...)
	}

	commands := command.Commands(nil)
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	cliRunner := &cli.CLI{
		Name:     "reflexsoar-agent",
		Version:  version.GetVersion().FullVersionNumber(true),
		Args:     args,
		Commands: commands,
		HelpFunc: cli.FilteredHelpFunc(names, cli.BasicHelpFunc("reflexsoar-agent")),

		Autocomplete: true,
	}

	exitCode, err := cliRunner.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
