package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/maorbril/notestream/internal/store"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local database and configuration stats",
	Long:  `Show statistics about stored events, the configured relays and the data directory.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = s.Close() }()

	st, err := s.Stats()
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Notestream Status")
	fmt.Fprintln(out, "=================")
	fmt.Fprintf(out, "Data directory: %s\n", cfg.DataDir)
	fmt.Fprintf(out, "Config file: %s\n\n", resolveConfigPath())

	fmt.Fprintln(out, "Database")
	fmt.Fprintln(out, "--------")
	fmt.Fprintf(out, "Events: %s\n", humanize.Comma(st.Events))
	fmt.Fprintf(out, "Indexed tags: %s\n", humanize.Comma(st.Tags))
	fmt.Fprintf(out, "Size on disk: %s\n", humanize.Bytes(uint64(st.SizeBytes)))
	if st.Events > 0 {
		fmt.Fprintf(out, "Oldest event: %s\n", humanize.Time(st.Oldest.Time()))
		fmt.Fprintf(out, "Newest event: %s\n", humanize.Time(st.Newest.Time()))
	}
	if !st.LastReceived.IsZero() {
		fmt.Fprintf(out, "Last received: %s\n", humanize.Time(st.LastReceived))
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Relays")
	fmt.Fprintln(out, "------")
	if len(cfg.Relays) == 0 {
		fmt.Fprintln(out, "None configured")
	} else {
		fmt.Fprintf(out, "  %s\n", strings.Join(cfg.Relays, "\n  "))
	}
	fmt.Fprintf(out, "\nTick interval: %s, signature checks: %t\n", cfg.TickInterval.Std(), cfg.VerifySignatures)

	return nil
}
