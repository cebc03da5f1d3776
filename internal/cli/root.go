package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "run":
		return runBatch(args[1:])
	case "tui":
		return runTUI(args[1:])
	case "chat":
		return runChat(args[1:])
	case "download":
		return runDownload(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("cadastral-batch: batch client for the cadastral reference processing service")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  cadastral-batch doctor")
	fmt.Println("  cadastral-batch run norte.txt sur.txt")
	fmt.Println("  cadastral-batch run --mode offline --download=false demo.txt")
	fmt.Println("  cadastral-batch tui")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       process .txt reference files and print a results table")
	fmt.Println("  tui       interactive batch view (input, processing, results, chat)")
	fmt.Println("  chat      ask the assistant about a finished job")
	fmt.Println("  download  fetch a result archive by task id, url, or latest report")
	fmt.Println("  doctor    check config, backend reachability and output directory")
	fmt.Println()
	fmt.Println("Modes (--mode or CADASTRAL_MODE):")
	fmt.Println("  stream    upload each file and follow its progress stream (default)")
	fmt.Println("  sync      one blocking request per file, no incremental progress")
	fmt.Println("  offline   replay a local script; no backend required")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Settings load from ./cadastral.yaml (or --config) and CADASTRAL_* env vars")
	fmt.Println("  - Use --json on run, chat, download and doctor for machine-readable output")
}
