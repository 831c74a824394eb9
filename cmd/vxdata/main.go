// Command vxdata inspects how the data store plans queries for a YAML schema.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
)

const usage = `usage: vxdata [-v] <command> [<args>]

Commands
   fetchgroup  Print the fetch group attributes and hints a plan yields for a query
   sort        Print a query rewritten to sort by entity properties
   help        Display help message

Run vxdata <command> -h for the flags of a command.
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vxdata: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("vxdata", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	verbose := fs.Bool("v", false, "log debug records to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if fs.NArg() == 0 {
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("missing command")
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "fetchgroup":
		return fetchGroup(rest, stdout, stderr, log)
	case "sort":
		return sortQuery(rest, stdout, stderr, log)
	case "help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	fmt.Fprint(stderr, usage)
	return fmt.Errorf("unknown command: %s", cmd)
}
