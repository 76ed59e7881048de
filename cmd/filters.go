package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/pflag"
)

// filterFlags are the flags shared by commands that build one filter.
type filterFlags struct {
	ids     []string
	authors []string
	kinds   []int
	tags    []string
	since   string
	until   string
	search  string
	limit   int
	raw     string
}

func (f *filterFlags) register(fs *pflag.FlagSet) {
	fs.StringSliceVar(&f.ids, "id", nil, "Event ids")
	fs.StringSliceVarP(&f.authors, "author", "a", nil, "Author pubkeys")
	fs.IntSliceVarP(&f.kinds, "kind", "k", nil, "Event kinds")
	fs.StringArrayVarP(&f.tags, "tag", "t", nil, "Tag condition as letter=value, e.g. t=nostr (repeatable)")
	fs.StringVar(&f.since, "since", "", "Only events at or after this time (unix seconds or duration ago, e.g. 24h)")
	fs.StringVar(&f.until, "until", "", "Only events at or before this time (unix seconds or duration ago)")
	fs.StringVar(&f.search, "search", "", "Full-text search")
	fs.IntVarP(&f.limit, "limit", "n", 0, "Maximum number of events")
	fs.StringVar(&f.raw, "filters", "", "Filter JSON (object or array); overrides the other filter flags")
}

// build returns the filters described by the flags. now anchors relative
// times.
func (f *filterFlags) build(now time.Time) ([]nostr.Filter, error) {
	if f.raw != "" {
		return parseFilterJSON(f.raw)
	}

	filter := nostr.Filter{
		IDs:     f.ids,
		Authors: f.authors,
		Kinds:   f.kinds,
		Search:  f.search,
		Limit:   f.limit,
	}
	for _, cond := range f.tags {
		name, value, ok := strings.Cut(cond, "=")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("invalid tag condition %q, want letter=value", cond)
		}
		if filter.Tags == nil {
			filter.Tags = nostr.TagMap{}
		}
		filter.Tags[name] = append(filter.Tags[name], value)
	}
	var err error
	if filter.Since, err = parseTime(f.since, now); err != nil {
		return nil, fmt.Errorf("invalid --since: %w", err)
	}
	if filter.Until, err = parseTime(f.until, now); err != nil {
		return nil, fmt.Errorf("invalid --until: %w", err)
	}
	return []nostr.Filter{filter}, nil
}

func parseFilterJSON(raw string) ([]nostr.Filter, error) {
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read filters: %w", err)
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(raw)
	var filters []nostr.Filter
	if strings.HasPrefix(raw, "{") {
		var single nostr.Filter
		if err := json.Unmarshal([]byte(raw), &single); err != nil {
			return nil, fmt.Errorf("invalid filter JSON: %w", err)
		}
		filters = []nostr.Filter{single}
	} else if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, fmt.Errorf("invalid filter JSON: %w", err)
	}
	if len(filters) == 0 {
		return nil, errors.New("no filters given")
	}
	return filters, nil
}

func parseTime(s string, now time.Time) (*nostr.Timestamp, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		ts := nostr.Timestamp(now.Add(-d).Unix())
		return &ts, nil
	}
	unix, err := strconv.ParseInt(s, 10, 64)
	if err != nil || unix < 0 {
		return nil, fmt.Errorf("%q is neither unix seconds nor a duration", s)
	}
	ts := nostr.Timestamp(unix)
	return &ts, nil
}
