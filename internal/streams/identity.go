package streams

import (
	"encoding/binary"
	"maps"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/nbd-wtf/go-nostr"
)

// FilterIdentity is an order-independent set of query filters. Two identities
// built from the same filters, in any order and with any duplicates, have the
// same Hash.
type FilterIdentity struct {
	filters []nostr.Filter
	hash    uint64
}

// NewFilterIdentity canonicalizes filters into an identity. The input slice is
// copied and never retained.
func NewFilterIdentity(filters []nostr.Filter) FilterIdentity {
	type entry struct {
		hash   uint64
		filter nostr.Filter
	}

	seen := make(map[uint64]struct{}, len(filters))
	entries := make([]entry, 0, len(filters))
	for _, f := range filters {
		h := filterHash(f)
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		entries = append(entries, entry{hash: h, filter: cloneFilter(f)})
	}

	// Payload order must not depend on input order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	id := FilterIdentity{filters: make([]nostr.Filter, len(entries))}
	for i, e := range entries {
		id.filters[i] = e.filter
		id.hash += mix64(e.hash)
	}
	return id
}

// Hash returns the identity's content hash.
func (id FilterIdentity) Hash() uint64 {
	return id.hash
}

// Filters returns a copy of the filter set in its stable order.
func (id FilterIdentity) Filters() []nostr.Filter {
	out := make([]nostr.Filter, len(id.filters))
	for i, f := range id.filters {
		out[i] = cloneFilter(f)
	}
	return out
}

// Len returns the number of distinct filters.
func (id FilterIdentity) Len() int {
	return len(id.filters)
}

// WithSince scopes every filter to records created at or after ts. A filter
// list is a union of its elements, so the cursor has to be applied to each
// one rather than appended as a separate filter.
func WithSince(filters []nostr.Filter, ts nostr.Timestamp) []nostr.Filter {
	out := make([]nostr.Filter, len(filters))
	for i, f := range filters {
		c := cloneFilter(f)
		if c.Since == nil || *c.Since < ts {
			since := ts
			c.Since = &since
		}
		out[i] = c
	}
	return out
}

// filterHash hashes the canonical form of a single filter: every list is
// sorted and deduplicated, so semantically equal filters hash equal.
func filterHash(f nostr.Filter) uint64 {
	d := xxhash.New()
	var buf [8]byte

	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = d.Write(buf[:])
	}
	writeStrings := func(tag string, values []string) {
		sorted := slices.Compact(slices.Sorted(slices.Values(values)))
		_, _ = d.WriteString(tag)
		writeInt(int64(len(sorted)))
		for _, v := range sorted {
			_, _ = d.WriteString(v)
			_, _ = d.Write([]byte{0})
		}
	}

	writeStrings("ids", f.IDs)
	writeStrings("authors", f.Authors)

	kinds := slices.Compact(slices.Sorted(slices.Values(f.Kinds)))
	_, _ = d.WriteString("kinds")
	writeInt(int64(len(kinds)))
	for _, k := range kinds {
		writeInt(int64(k))
	}

	for _, name := range slices.Sorted(maps.Keys(f.Tags)) {
		writeStrings("#"+name, f.Tags[name])
	}

	if f.Since != nil {
		_, _ = d.WriteString("since")
		writeInt(int64(*f.Since))
	}
	if f.Until != nil {
		_, _ = d.WriteString("until")
		writeInt(int64(*f.Until))
	}
	_, _ = d.WriteString("limit")
	writeInt(int64(f.Limit))
	if f.Search != "" {
		_, _ = d.WriteString("search")
		_, _ = d.WriteString(f.Search)
	}
	return d.Sum64()
}

// mix64 is the splitmix64 finalizer.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

func cloneFilter(f nostr.Filter) nostr.Filter {
	c := f
	c.IDs = slices.Clone(f.IDs)
	c.Authors = slices.Clone(f.Authors)
	c.Kinds = slices.Clone(f.Kinds)
	if f.Tags != nil {
		c.Tags = make(nostr.TagMap, len(f.Tags))
		for k, v := range f.Tags {
			c.Tags[k] = slices.Clone(v)
		}
	}
	if f.Since != nil {
		since := *f.Since
		c.Since = &since
	}
	if f.Until != nil {
		until := *f.Until
		c.Until = &until
	}
	return c
}
