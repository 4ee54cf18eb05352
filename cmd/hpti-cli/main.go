package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/0tSystemsPublicRepos/hpti/internal/config"
	"github.com/0tSystemsPublicRepos/hpti/internal/database"
	"github.com/0tSystemsPublicRepos/hpti/internal/report"
)

var (
	configPath string
	limit      int
	cfg        *config.Config
	db         database.DatabaseProvider
)

func openDB(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	db, err = database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	return nil
}

func closeDB(cmd *cobra.Command, args []string) {
	if db != nil {
		db.Close()
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "hpti-cli",
		Short: "HPTI CLI - Honeypot Database Management",
		Long: `HPTI CLI queries the honeypot database.
Inspect captured sessions, detected patterns, attackers and credentials.`,
		SilenceUsage:      true,
		PersistentPreRunE: openDB,
		PersistentPostRun: closeDB,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config/hpti.yaml)")
	rootCmd.PersistentFlags().IntVarP(&limit, "limit", "n", 50, "maximum rows to show")

	// Session commands
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect captured sessions",
	}
	sessionCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List recent sessions", RunE: listSessions},
		&cobra.Command{Use: "view [id]", Short: "View session details", Args: cobra.ExactArgs(1), RunE: viewSession},
		&cobra.Command{Use: "by-ip [ip]", Short: "Sessions from IP", Args: cobra.ExactArgs(1), RunE: sessionsByIP},
	)

	// Pattern commands
	patternCmd := &cobra.Command{
		Use:   "pattern",
		Short: "Inspect detected attack patterns",
	}
	patternCmd.AddCommand(
		&cobra.Command{Use: "list", Short: "List recent patterns", RunE: listPatterns},
	)

	// Attacker commands
	attackerCmd := &cobra.Command{
		Use:   "attacker",
		Short: "Inspect attacker addresses",
	}
	attackerCmd.AddCommand(
		&cobra.Command{Use: "top", Short: "Most active source addresses", RunE: topAttackers},
	)

	// Credential commands
	credentialCmd := &cobra.Command{
		Use:   "credential",
		Short: "Inspect submitted credentials",
	}
	credentialCmd.AddCommand(
		&cobra.Command{Use: "top", Short: "Most used username/password pairs", RunE: topCredentials},
	)

	// Database commands
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database operations",
	}
	dbCmd.AddCommand(
		&cobra.Command{Use: "stats", Short: "Database statistics", RunE: dbStats},
		&cobra.Command{
			Use:   "schema",
			Short: "Show database schema",
			// schema needs only the configured dialect, not a connection
			PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
				var err error
				cfg, err = config.Load(configPath)
				return err
			},
			Run: showSchema,
		},
	)

	// Report command
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Generate an activity report",
		RunE:  generateReport,
	}
	reportCmd.Flags().String("period", "daily", "report period: daily, weekly or monthly")
	reportCmd.Flags().String("format", "markdown", "output format: json, markdown or html")
	reportCmd.Flags().StringP("output", "o", "", "directory to write the report file to (default stdout)")

	rootCmd.AddCommand(sessionCmd, patternCmd, attackerCmd, credentialCmd, dbCmd, reportCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ============== SESSION COMMANDS ==============

func printSessions(sessions []database.SessionSummary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tPROTOCOL\tSOURCE\tUSERNAME\tAUTH\tCMDS\tREQS\tDURATION\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\t%d\t%d\t%d\t%.1fs\t%s\n",
			s.SessionID, s.Protocol, s.SourceIP, s.SourcePort, orDash(s.Username),
			s.AuthAttemptCount, s.CommandCount, s.RequestCount, s.DurationSeconds, formatTime(s.StartTime))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d sessions\n", len(sessions))
}

func listSessions(cmd *cobra.Command, args []string) error {
	sessions, err := db.GetRecentSessions(limit)
	if err != nil {
		return err
	}
	printSessions(sessions)
	return nil
}

func sessionsByIP(cmd *cobra.Command, args []string) error {
	sessions, err := db.GetSessionsByIP(args[0], limit)
	if err != nil {
		return err
	}
	printSessions(sessions)
	return nil
}

func viewSession(cmd *cobra.Command, args []string) error {
	rec, err := db.GetSession(args[0])
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("session %s not found", args[0])
	}

	end := "-"
	if rec.EndTime != nil {
		end = formatTime(*rec.EndTime)
	}
	fmt.Printf(`
Session %s
=========
Protocol:          %s
Source:            %s:%d
Username:          %s
Started:           %s
Ended:             %s
Duration:          %s
`, rec.SessionID, rec.Protocol, rec.SourceIP, rec.SourcePort, orDash(rec.Username),
		formatTime(rec.StartTime), end, rec.Duration().Round(time.Millisecond))

	if len(rec.AuthAttempts) > 0 {
		fmt.Printf("\nAuthentication attempts (%d)\n", len(rec.AuthAttempts))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tMETHOD\tUSERNAME\tSECRET")
		for _, a := range rec.AuthAttempts {
			secret := "-"
			switch {
			case a.Password != nil:
				secret = *a.Password
			case a.KeyFingerprint != nil:
				secret = a.KeyType + " " + *a.KeyFingerprint
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatTime(a.Timestamp), a.Method, a.Username, secret)
		}
		w.Flush()
	}

	if len(rec.Commands) > 0 {
		fmt.Printf("\nCommands (%d)\n", len(rec.Commands))
		for _, c := range rec.Commands {
			fmt.Printf("  %s  %s\n", formatTime(c.Timestamp), c.RawText)
		}
	}

	if len(rec.Requests) > 0 {
		fmt.Printf("\nHTTP requests (%d)\n", len(rec.Requests))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tMETHOD\tPATH\tSTATUS\tATTACK\tUSER AGENT")
		for _, r := range rec.Requests {
			path := r.Path
			if r.Query != "" {
				path += "?" + r.Query
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				formatTime(r.Timestamp), r.Method, path, r.StatusCode, orDash(r.AttackType), orDash(r.UserAgent))
		}
		w.Flush()
	}
	return nil
}

// ============== PATTERN COMMANDS ==============

func listPatterns(cmd *cobra.Command, args []string) error {
	patterns, err := db.GetAttackPatterns(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSEVERITY\tCONFIDENCE\tSOURCES\tSESSIONS\tDETECTED")
	for _, p := range patterns {
		sources := strings.Join(p.SourceIPs, ",")
		if len(p.SourceIPs) > 3 {
			sources = strings.Join(p.SourceIPs[:3], ",") + ",+" + strconv.Itoa(len(p.SourceIPs)-3)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.0f\t%s\t%d\t%s\n",
			p.ID, p.PatternType, p.Severity, p.ConfidenceScore, sources, len(p.SessionIDs), formatTime(p.DetectedAt))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d patterns\n", len(patterns))
	return nil
}

// ============== ATTACKER COMMANDS ==============

func topAttackers(cmd *cobra.Command, args []string) error {
	attackers, err := db.GetTopAttackers(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE IP\tSESSIONS\tAUTH\tCMDS\tPROTOCOLS\tFIRST SEEN\tLAST SEEN")
	for _, a := range attackers {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			a.SourceIP, a.SessionCount, a.AuthAttempts, a.Commands, strings.Join(a.Protocols, ","),
			formatTime(a.FirstSeen), formatTime(a.LastSeen))
	}
	w.Flush()
	fmt.Printf("\nTotal: %d attackers\n", len(attackers))
	return nil
}

// ============== CREDENTIAL COMMANDS ==============

func topCredentials(cmd *cobra.Command, args []string) error {
	creds, err := db.GetTopCredentials(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COUNT\tUSERNAME\tPASSWORD")
	for _, c := range creds {
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.Count, c.Username, c.Password)
	}
	w.Flush()
	return nil
}

// ============== DATABASE COMMANDS ==============

func dbStats(cmd *cobra.Command, args []string) error {
	stats, err := db.GetStats()
	if err != nil {
		return err
	}

	size := "n/a"
	if cfg.Database.Type != "postgres" && cfg.Database.Type != "postgresql" {
		if fileInfo, err := os.Stat(cfg.Database.SQLite.Path); err == nil {
			size = fmt.Sprintf("%.2f MB", float64(fileInfo.Size())/(1024*1024))
		}
	}

	fmt.Printf(`
Database Statistics
====================
Sessions:              %d
Unique Source IPs:     %d
Auth Attempts:         %d
Commands:              %d
HTTP Requests:         %d
HTTP Attacks:          %d
Enriched IPs:          %d
Database Size:         %s
`, stats.TotalSessions, stats.UniqueIPs, stats.AuthAttempts, stats.Commands,
		stats.HTTPRequests, stats.HTTPAttacks, stats.ThreatIntelIPs, size)

	printCounts("Sessions by protocol", stats.SessionsByProtocol)
	printCounts("Patterns by severity", stats.PatternsBySeverity)
	return nil
}

func printCounts(title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("\n%s\n", title)
	for _, k := range keys {
		fmt.Printf("  %-20s %d\n", k+":", counts[k])
	}
}

func showSchema(cmd *cobra.Command, args []string) {
	dialect := cfg.Database.Type
	if dialect == "" {
		dialect = "sqlite"
	}
	fmt.Printf("HPTI Database Schema (%s)\n", dialect)
	fmt.Println(strings.Repeat("=", 26+len(dialect)))
	for _, stmt := range database.Schema(dialect) {
		fmt.Println(strings.TrimSpace(stmt) + ";")
		fmt.Println()
	}
}

// ============== REPORT COMMANDS ==============

func generateReport(cmd *cobra.Command, args []string) error {
	periodFlag, _ := cmd.Flags().GetString("period")
	formatFlag, _ := cmd.Flags().GetString("format")
	outDir, _ := cmd.Flags().GetString("output")

	period, err := report.ParsePeriod(periodFlag)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(formatFlag)
	if err != nil {
		return err
	}

	r, err := report.Build(db, period, time.Now(), limit)
	if err != nil {
		return err
	}
	if outDir == "" {
		return r.Write(os.Stdout, format)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("error creating report directory: %w", err)
	}
	path := filepath.Join(outDir, r.Filename(format))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating report file: %w", err)
	}
	if err := r.Write(f, format); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("Report written to %s\n", path)
	return nil
}
