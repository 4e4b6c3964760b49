package main

import (
	"flag"
	"io"
	"strings"

	"github.com/davidahmann/qube/core/projectconfig"
)

// commonFlags are accepted by every subcommand that opens a ledger.
type commonFlags struct {
	configPath string
	jsonOutput bool
	verbose    bool
	help       bool
}

func newFlagSet(name string, common *commonFlags) *flag.FlagSet {
	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&common.configPath, "config", projectconfig.DefaultPath, "project config file")
	flagSet.BoolVar(&common.jsonOutput, "json", false, "emit JSON output")
	flagSet.BoolVar(&common.verbose, "verbose", false, "debug logging on stderr")
	flagSet.BoolVar(&common.help, "help", false, "show help")
	return flagSet
}

// reorderInterspersedFlags moves flags ahead of positionals so the standard
// flag package sees all of them. valueFlags names flags that take a value.
func reorderInterspersedFlags(arguments []string, valueFlags map[string]bool) []string {
	if len(arguments) == 0 {
		return arguments
	}
	valueFlags["config"] = true

	flags := make([]string, 0, len(arguments))
	positionals := make([]string, 0, len(arguments))
	for index := 0; index < len(arguments); index++ {
		argument := arguments[index]
		if argument == "--" {
			positionals = append(positionals, arguments[index+1:]...)
			break
		}
		if len(argument) < 2 || !strings.HasPrefix(argument, "-") {
			positionals = append(positionals, argument)
			continue
		}
		flags = append(flags, argument)
		if strings.Contains(argument, "=") || !valueFlags[strings.TrimLeft(argument, "-")] {
			continue
		}
		if index+1 < len(arguments) {
			index++
			flags = append(flags, arguments[index])
		}
	}
	return append(flags, positionals...)
}
