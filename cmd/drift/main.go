// Drift CLI - tooling for DPB bytecode containers
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (0 = errors only, higher is chattier)")
	noColor := flag.Bool("no-color", false, "Disable colored output")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: drift [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Inspects, validates, and caches compiled .dpb containers.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  info <file.dpb>      Show container header fields\n")
		fmt.Fprintf(os.Stderr, "  dis <file.dpb>       Disassemble every code object\n")
		fmt.Fprintf(os.Stderr, "  verify <file.dpb>    Fully validate a container\n")
		fmt.Fprintf(os.Stderr, "  cache <subcommand>   Manage the compile cache (ls, add, rm, prune)\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  drift info out.dpb\n")
		fmt.Fprintf(os.Stderr, "  drift -v 1 dis out.dpb\n")
		fmt.Fprintf(os.Stderr, "  drift cache ls\n")
		fmt.Fprintf(os.Stderr, "  drift cache rm 3f9a2c\n")
	}
	flag.Parse()

	commonlog.Configure(*verbosity, nil)
	if *noColor {
		color.NoColor = true
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	verbose := *verbosity > 0
	switch args[0] {
	case "info":
		handleInfoCommand(args[1:], verbose)
	case "dis":
		handleDisCommand(args[1:], verbose)
	case "verify":
		handleVerifyCommand(args[1:], verbose)
	case "cache":
		handleCacheCommand(args[1:], verbose)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// fatalf prints an error to stderr and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
