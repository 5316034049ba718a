package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

const defaultCleanupDays = 30

type cleanupResult struct {
	Days    int   `json:"days"`
	Deleted int64 `json:"deleted"`
}

func runCleanup(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	days := flagSet.Int("days", defaultCleanupDays, "Delete records older than this many days")
	format := flagSet.String("format", "text", "Output format: text or json")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "cleanup does not accept positional arguments")
		return 2
	}
	normalizedFormat, err := normalizeTextJSONFormat("cleanup", *format, "text")
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *days < 0 {
		fmt.Fprintln(errOut, "days must be >= 0")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	source, closeSource, err := openCollector(cfg, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize metric store: %v\n", err)
		return 1
	}
	defer closeSource()

	deleted, err := source.Cleanup(context.Background(), *days)
	if err != nil {
		fmt.Fprintf(errOut, "cleanup failed: %v\n", err)
		return 1
	}

	result := cleanupResult{Days: *days, Deleted: deleted}
	if normalizedFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(result); err != nil {
			fmt.Fprintf(errOut, "failed to write result: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(out, "deleted %d records older than %d days\n", result.Deleted, result.Days)
	return 0
}
