package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/maorbril/notestream/internal/store"
	"github.com/spf13/cobra"
)

var (
	queryFilters filterFlags
	queryJSON    bool
)

var queryCmd = &cobra.Command{
	Use:   "query [search terms]",
	Short: "Search the local event database",
	Long: `Query events stored in the local database. Positional arguments are used as a
full-text search. Results are printed newest first.`,
	RunE: runQuery,
}

func init() {
	queryFilters.register(queryCmd.Flags())
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print raw events as JSON lines")
}

func runQuery(cmd *cobra.Command, args []string) error {
	s, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = s.Close() }()

	if len(args) > 0 {
		queryFilters.search = strings.Join(args, " ")
	}
	filters, err := queryFilters.build(time.Now())
	if err != nil {
		return err
	}

	limit := queryFilters.limit
	if limit <= 0 {
		limit = 20
	}
	refs, err := s.QueryEvents(filters, limit)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(refs) == 0 {
		if !queryJSON {
			fmt.Fprintln(out, "No events found.")
		}
		return nil
	}

	if !queryJSON {
		fmt.Fprintf(out, "Found %d event(s):\n\n", len(refs))
	}
	for _, ref := range refs {
		ev, err := s.GetEventByKey(ref.Key)
		if err != nil {
			return fmt.Errorf("failed to load event %s: %w", ref.ID, err)
		}
		if ev == nil {
			continue
		}
		if err := printEvent(out, ev, queryJSON); err != nil {
			return err
		}
	}
	return nil
}
