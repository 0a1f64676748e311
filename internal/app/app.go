package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "cluster":
		return runCluster(args[1:])
	case "disperse":
		return runDisperse(args[1:])
	case "housekeep":
		return runHousekeep(args[1:])
	case "prioritise", "prioritize":
		return runPrioritise(args[1:])
	case "show":
		return runShow(args[1:])
	case "search":
		return runSearch(args[1:])
	case "stats":
		return runStats(args[1:])
	case "serve":
		return runServe(args[1:])
	case "token":
		return runToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "bibcluster CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  bibcluster <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health      Verify database connectivity")
	fmt.Fprintln(os.Stderr, "  validate    Validate bib payload JSON lines without writing")
	fmt.Fprintln(os.Stderr, "  cluster     Upsert bib payloads and assign them to clusters")
	fmt.Fprintln(os.Stderr, "  disperse    Disperse clusters and recluster their bibs")
	fmt.Fprintln(os.Stderr, "  housekeep   Run one housekeeping pass")
	fmt.Fprintln(os.Stderr, "  prioritise  Queue clusters on a running server for housekeeping")
	fmt.Fprintln(os.Stderr, "  show        Print a cluster with its bibs and match points")
	fmt.Fprintln(os.Stderr, "  search      Search clusters through a running server")
	fmt.Fprintln(os.Stderr, "  stats       Print cluster totals and reprocessing backlog")
	fmt.Fprintln(os.Stderr, "  serve       Start the ops API and the housekeeping loop")
	fmt.Fprintln(os.Stderr, "  token       Generate an operator token and its bcrypt hash")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"bibcluster <command> -h\" for command-specific flags.")
}
