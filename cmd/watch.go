package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"

	"github.com/maorbril/notestream/internal/engine"
	"github.com/maorbril/notestream/internal/streams"
)

var (
	watchFilters filterFlags
	watchThread  string
	watchProfile string
	watchHashtag string
	watchMention string
	watchAll     bool
	watchOnce    bool
	watchOffline bool
	watchJSON    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream matching notes to the terminal",
	Long: `Watch notes matching a filter and print new ones as they arrive. Use
--thread, --profile, --hashtag, --notifications or --universe for the
common columns, or the filter flags
for anything else.`,
	Example: `  notestream watch --hashtag nostr
  notestream watch --author <pubkey> --kind 1
  notestream watch --filters '[{"kinds":[1],"#t":["go"]}]' --once`,
	RunE: runWatch,
}

func init() {
	watchFilters.register(watchCmd.Flags())
	watchCmd.Flags().StringVar(&watchThread, "thread", "", "Watch the thread rooted at this event id")
	watchCmd.Flags().StringVar(&watchProfile, "profile", "", "Watch this author's notes and reposts")
	watchCmd.Flags().StringVar(&watchHashtag, "hashtag", "", "Watch notes with this hashtag")
	watchCmd.Flags().StringVar(&watchMention, "notifications", "", "Watch notes mentioning this pubkey")
	watchCmd.Flags().BoolVar(&watchAll, "universe", false, "Watch every text note")
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "Print what the local database has and exit (implies --offline)")
	watchCmd.Flags().BoolVar(&watchOffline, "offline", false, "Do not connect to relays")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print raw events as JSON lines")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := openSession(ctx, watchOffline || watchOnce)
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := beginWatch(rt.engine)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if watchOnce {
		rt.engine.Tick()
		_, err := printUnseen(out, rt.engine, id)
		return err
	}

	interval := cfg.TickInterval.Std()
	for {
		rt.engine.Tick()
		if _, err := printUnseen(out, rt.engine, id); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-clock.WallClock.After(interval):
		}
	}
}

func beginWatch(eng *engine.Engine) (streams.InstanceID, error) {
	switch {
	case watchThread != "":
		id, _ := eng.OpenThread(watchThread)
		return id, nil
	case watchProfile != "":
		id, _ := eng.OpenProfile(watchProfile)
		return id, nil
	case watchHashtag != "":
		id, _ := eng.OpenHashtag(watchHashtag)
		return id, nil
	case watchMention != "":
		id, _ := eng.OpenNotifications(watchMention)
		return id, nil
	case watchAll:
		id, _ := eng.OpenUniverse()
		return id, nil
	}
	filters, err := watchFilters.build(time.Now())
	if err != nil {
		return 0, err
	}
	if len(filters) == 1 && emptyFilter(filters[0]) {
		return 0, errors.New("refusing to watch everything; give a filter, a column flag or --universe")
	}
	return eng.Watch(filters)
}

func printUnseen(w io.Writer, eng *engine.Engine, id streams.InstanceID) (int, error) {
	notes, ok, err := eng.TakeUnseen(id)
	if err != nil || !ok {
		return 0, err
	}
	// oldest first reads naturally in a terminal
	for i := len(notes) - 1; i >= 0; i-- {
		if err := printEvent(w, notes[i].Event, watchJSON); err != nil {
			return 0, err
		}
	}
	return len(notes), nil
}

func printEvent(w io.Writer, ev *nostr.Event, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}
	created := ev.CreatedAt.Time()
	_, err := fmt.Fprintf(w, "%s by %s (%s, kind %d)\n%s\n\n",
		shortID(ev.ID), shortID(ev.PubKey), humanize.Time(created), ev.Kind, strings.TrimSpace(ev.Content))
	return err
}

func emptyFilter(f nostr.Filter) bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		len(f.Tags) == 0 && f.Since == nil && f.Until == nil && f.Search == ""
}

func shortID(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}
