package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"speech-dedup/utils"
)

func main() {
	_ = godotenv.Load()
	_ = utils.CreateFolder(utils.GetEnv("DOWNLOAD_TMP_DIR", "data"))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd := flag.NewFlagSet("run", flag.ExitOnError)
		channel := runCmd.String("channel", "", "YouTube handle (e.g. @Channel) to ingest before processing")
		after := runCmd.String("after", "", "only ingest videos published after this date (YYYY-MM-DD or MM/DD/YYYY)")
		before := runCmd.String("before", "", "only ingest videos published before this date (YYYY-MM-DD or MM/DD/YYYY)")
		limit := runCmd.Int("limit", 25, "pending recordings per batch")
		runCmd.Parse(os.Args[2:])
		run(*channel, *after, *before, *limit)

	case "fingerprint":
		if len(os.Args) < 3 {
			fmt.Println("usage: speech-dedup fingerprint <path_to_audio_file>")
			os.Exit(1)
		}
		fingerprintFile(os.Args[2])

	case "match":
		if len(os.Args) < 3 {
			fmt.Println("usage: speech-dedup match <path_to_audio_file>")
			os.Exit(1)
		}
		matchFile(os.Args[2])

	case "delete":
		if len(os.Args) < 3 {
			fmt.Println("usage: speech-dedup delete <recording_id>")
			os.Exit(1)
		}
		deleteRecording(os.Args[2])

	case "stats":
		stats()

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	bold := color.New(color.Bold)
	bold.Println("usage: speech-dedup <command>")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  run [-channel @h] [-after d] [-before d] [-limit n]")
	fmt.Println("        ingest channel metadata (optional), then process pending recordings")
	fmt.Println("  fingerprint <audio_file>   fingerprint a local file and print a summary")
	fmt.Println("  match <audio_file>         match a local file against the index")
	fmt.Println("  delete <recording_id>      remove a recording's fingerprint from the index")
	fmt.Println("  stats                      show index totals")
}
