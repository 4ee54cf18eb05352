package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/0tSystemsPublicRepos/hpti/internal/detection"
)

var version = "0.1.0"

var (
	configPath string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hpti",
		Short: "HPTI - Honeypot Threat Intelligence",
		Long: `HPTI runs low-interaction SSH, Telnet, FTP and HTTP honeypots,
records every session and reports attack patterns across them.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config/hpti.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the honeypot services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configPath, debug)
		},
	}

	var windowSeconds int
	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Run pattern detection over a JSON-lines session dump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(args[0], time.Duration(windowSeconds)*time.Second)
		},
	}
	analyzeCmd.Flags().IntVar(&windowSeconds, "window", int(detection.DefaultTimeWindow/time.Second), "correlation window in seconds")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hpti %s\n", version)
		},
	}

	rootCmd.AddCommand(startCmd, analyzeCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type analyzeReport struct {
	Sessions    int                                  `json:"sessions"`
	PerSession  map[string][]detection.AttackPattern `json:"per_session"`
	Distributed *detection.AttackPattern             `json:"distributed,omitempty"`
}

func runAnalyze(path string, window time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := detection.DecodeRecords(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	result := detection.NewDetector(window).AnalyzeBatch(recs)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(analyzeReport{
		Sessions:    len(recs),
		PerSession:  result.PerSession,
		Distributed: result.Distributed,
	})
}
