package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/maorbril/notestream/internal/store"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

var ingestVerify bool

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Import events from JSON lines",
	Long: `Import nostr events into the local database. Each input line is one event
object, or a relay frame of the form ["EVENT", <subscription>, <event>].
Reads stdin when no file is given.`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestVerify, "verify", false, "Skip events whose signature does not verify")
}

type ingestResult struct {
	Saved     int
	Duplicate int
	Invalid   int
}

func runIngest(cmd *cobra.Command, args []string) error {
	s, err := store.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	var total ingestResult
	if len(args) == 0 {
		total, err = ingestEvents(s, cmd.InOrStdin(), ingestVerify)
		if err != nil {
			return err
		}
	}
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		res, err := ingestEvents(s, f, ingestVerify)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		total.Saved += res.Saved
		total.Duplicate += res.Duplicate
		total.Invalid += res.Invalid
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved %d event(s), %d duplicate, %d invalid\n", total.Saved, total.Duplicate, total.Invalid)
	return nil
}

func ingestEvents(s store.Store, r io.Reader, verify bool) (ingestResult, error) {
	var res ingestResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		ev, err := decodeEventLine(text)
		if err != nil {
			logger.Debug().Err(err).Int("line", line).Msg("skipping invalid event")
			res.Invalid++
			continue
		}
		if verify {
			if ok, _ := ev.CheckSignature(); !ok {
				res.Invalid++
				continue
			}
		}
		saved, err := s.SaveEvent(ev)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", line, err)
		}
		if saved {
			res.Saved++
		} else {
			res.Duplicate++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read input: %w", err)
	}
	return res, nil
}

func decodeEventLine(text string) (*nostr.Event, error) {
	var ev nostr.Event
	if strings.HasPrefix(text, "[") {
		env, ok := nostr.ParseMessage([]byte(text)).(*nostr.EventEnvelope)
		if !ok {
			return nil, fmt.Errorf("not an EVENT frame")
		}
		ev = env.Event
	} else if err := json.Unmarshal([]byte(text), &ev); err != nil {
		return nil, err
	}
	if ev.ID == "" || ev.PubKey == "" {
		return nil, fmt.Errorf("event is missing id or pubkey")
	}
	return &ev, nil
}
