// Command labscheduler runs the lab-instrument scheduler daemon, or
// executes a single experiment immediately outside of any schedule.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "once":
		onceCmd(os.Args[2:])
	case "version":
		fmt.Printf("labscheduler %s (%s)\n", version, commit)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "labscheduler: unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `labscheduler - lab instrument run scheduler

Usage:
  labscheduler run [flags]    start the scheduler daemon
  labscheduler once [flags]   execute a single experiment immediately
  labscheduler version        print version information

Run "labscheduler run -h" or "labscheduler once -h" for flags.`)
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	return fs
}
