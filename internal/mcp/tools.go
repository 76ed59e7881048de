package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/maorbril/notestream/internal/engine"
	"github.com/maorbril/notestream/internal/streams"
)

const (
	// MaxFilters bounds the filter list accepted by watch.
	MaxFilters = 20
	// MaxNoteLength is how much content take_unseen prints per note.
	MaxNoteLength = 500
)

func (s *Server) toolWatch(args map[string]interface{}) ToolResult {
	raw, ok := args["filters"]
	if !ok {
		return errorResult("filters is required")
	}
	filters, err := parseFilters(raw)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid filters: %v", err))
	}

	id, err := s.engine.Watch(filters)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to watch: %v", err))
	}
	return textResult(fmt.Sprintf("Watching as instance %d. Call take_unseen to collect notes.", id))
}

func (s *Server) toolOpenThread(args map[string]interface{}) ToolResult {
	ref, ok := args["event_id"].(string)
	if !ok || ref == "" {
		return errorResult("event_id is required")
	}
	id, err := decodeEventID(ref)
	if err != nil {
		return errorResult(err.Error())
	}
	inst, fresh := s.engine.OpenThread(id)
	return columnResult("thread", id, inst, fresh)
}

func (s *Server) toolOpenProfile(args map[string]interface{}) ToolResult {
	pubkey, err := pubkeyArg(args)
	if err != nil {
		return errorResult(err.Error())
	}
	inst, fresh := s.engine.OpenProfile(pubkey)
	return columnResult("profile", pubkey, inst, fresh)
}

func (s *Server) toolOpenHashtag(args map[string]interface{}) ToolResult {
	tag, ok := args["tag"].(string)
	tag = strings.TrimSpace(strings.TrimPrefix(tag, "#"))
	if !ok || tag == "" {
		return errorResult("tag is required")
	}
	inst, fresh := s.engine.OpenHashtag(tag)
	return columnResult("hashtag", "#"+strings.ToLower(tag), inst, fresh)
}

func (s *Server) toolOpenUniverse(args map[string]interface{}) ToolResult {
	inst, fresh := s.engine.OpenUniverse()
	return columnResult("universe", "", inst, fresh)
}

func (s *Server) toolOpenNotifications(args map[string]interface{}) ToolResult {
	pubkey, err := pubkeyArg(args)
	if err != nil {
		return errorResult(err.Error())
	}
	inst, fresh := s.engine.OpenNotifications(pubkey)
	return columnResult("notifications", pubkey, inst, fresh)
}

func (s *Server) toolOpenContacts(args map[string]interface{}) ToolResult {
	pubkey, err := pubkeyArg(args)
	if err != nil {
		return errorResult(err.Error())
	}
	c, err := s.engine.OpenContacts(pubkey)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to open contacts: %v", err))
	}
	res := columnResult("contacts", pubkey, c.ID, c.Fresh)
	if c.Follows == 0 {
		res.Content[0].Text += " No contact list stored yet; watching for it. Call open_contacts again once it arrives."
	} else {
		res.Content[0].Text += fmt.Sprintf(" Following %d author(s).", c.Follows)
	}
	return res
}

func (s *Server) toolCloseColumn(args map[string]interface{}) ToolResult {
	key, ok := args["column"].(string)
	if !ok || key == "" {
		return errorResult("column is required")
	}
	id, err := s.engine.CloseColumn(key)
	if err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Closed %s (instance %d).", key, id))
}

func (s *Server) toolPause(args map[string]interface{}) ToolResult {
	id, err := instanceArg(args)
	if err != nil {
		return errorResult(err.Error())
	}
	if err := s.engine.Pause(id); err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Instance %d paused.", id))
}

func (s *Server) toolResume(args map[string]interface{}) ToolResult {
	id, err := instanceArg(args)
	if err != nil {
		return errorResult(err.Error())
	}
	if err := s.engine.Resume(id); err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Instance %d resumed.", id))
}

func (s *Server) toolStop(args map[string]interface{}) ToolResult {
	id, err := instanceArg(args)
	if err != nil {
		return errorResult(err.Error())
	}
	if err := s.engine.Stop(id); err != nil {
		return errorResult(err.Error())
	}
	return textResult(fmt.Sprintf("Instance %d stopped.", id))
}

func (s *Server) toolTakeUnseen(args map[string]interface{}) ToolResult {
	id, err := instanceArg(args)
	if err != nil {
		return errorResult(err.Error())
	}
	format, _ := args["format"].(string)

	notes, ok, err := s.engine.TakeUnseen(id)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to take notes: %v", err))
	}

	if format == "json" {
		events := make([]*nostr.Event, 0, len(notes))
		for _, n := range notes {
			events = append(events, n.Event)
		}
		return jsonResult(events)
	}

	if !ok || len(notes) == 0 {
		return textResult("No new notes.")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d new note(s):\n\n", len(notes)))
	for _, n := range notes {
		ev := n.Event
		sb.WriteString(fmt.Sprintf("**%s** by %s [%s] kind %d\n",
			short(ev.ID), short(ev.PubKey), ev.CreatedAt.Time().UTC().Format("2006-01-02 15:04"), ev.Kind))
		if tags := hashtags(ev); len(tags) > 0 {
			sb.WriteString(fmt.Sprintf("Tags: %s\n", strings.Join(tags, ", ")))
		}
		sb.WriteString(fmt.Sprintf("%s\n\n", truncate(ev.Content, MaxNoteLength)))
	}
	return textResult(sb.String())
}

func (s *Server) toolStreamStatus(args map[string]interface{}) ToolResult {
	st, err := s.engine.Status()
	if err != nil {
		return errorResult(fmt.Sprintf("failed to get status: %v", err))
	}
	return jsonResult(st)
}

// Helpers

func parseFilters(raw interface{}) ([]nostr.Filter, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var filters []nostr.Filter
	if err := json.Unmarshal(data, &filters); err != nil {
		// a single filter object is accepted too
		var single nostr.Filter
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, err
		}
		filters = []nostr.Filter{single}
	}
	if len(filters) == 0 {
		return nil, errors.New("at least one filter is required")
	}
	if len(filters) > MaxFilters {
		return nil, fmt.Errorf("too many filters (%d, max %d)", len(filters), MaxFilters)
	}
	return filters, nil
}

func instanceArg(args map[string]interface{}) (streams.InstanceID, error) {
	switch v := args["instance"].(type) {
	case float64:
		if v < 1 || v != float64(uint64(v)) {
			return 0, fmt.Errorf("invalid instance %v", v)
		}
		return streams.InstanceID(v), nil
	case nil:
		return 0, errors.New("instance is required")
	default:
		return 0, fmt.Errorf("invalid instance %v", v)
	}
}

func pubkeyArg(args map[string]interface{}) (string, error) {
	ref, ok := args["pubkey"].(string)
	if !ok || ref == "" {
		return "", errors.New("pubkey is required")
	}
	return decodePubkey(ref)
}

func decodeEventID(ref string) (string, error) {
	if nostr.IsValid32ByteHex(ref) {
		return ref, nil
	}
	prefix, value, err := nip19.Decode(ref)
	if err != nil {
		return "", fmt.Errorf("invalid event id %q: %v", ref, err)
	}
	switch prefix {
	case "note":
		return value.(string), nil
	case "nevent":
		return value.(nostr.EventPointer).ID, nil
	}
	return "", fmt.Errorf("invalid event id %q: unexpected %s", ref, prefix)
}

func decodePubkey(ref string) (string, error) {
	if nostr.IsValid32ByteHex(ref) {
		return ref, nil
	}
	prefix, value, err := nip19.Decode(ref)
	if err != nil {
		return "", fmt.Errorf("invalid pubkey %q: %v", ref, err)
	}
	switch prefix {
	case "npub":
		return value.(string), nil
	case "nprofile":
		return value.(nostr.ProfilePointer).PublicKey, nil
	}
	return "", fmt.Errorf("invalid pubkey %q: unexpected %s", ref, prefix)
}

func columnResult(kind, target string, id streams.InstanceID, fresh bool) ToolResult {
	if target == "" {
		if fresh {
			return textResult(fmt.Sprintf("Opened %s as instance %d.", kind, id))
		}
		return textResult(fmt.Sprintf("%s is already open as instance %d.", strings.ToUpper(kind[:1])+kind[1:], id))
	}
	if fresh {
		return textResult(fmt.Sprintf("Opened %s %s as instance %d.", kind, short(target), id))
	}
	return textResult(fmt.Sprintf("%s %s is already open as instance %d.", strings.ToUpper(kind[:1])+kind[1:], short(target), id))
}

func hashtags(ev *nostr.Event) []string {
	var tags []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "t" {
			tags = append(tags, tag[1])
		}
	}
	return tags
}

func short(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

func textResult(text string) ToolResult {
	return ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(msg string) ToolResult {
	return ToolResult{
		Content: []ContentBlock{{Type: "text", Text: msg}},
		IsError: true,
	}
}

func jsonResult(v interface{}) ToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return textResult(string(data))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

var _ Engine = (*engine.Engine)(nil)
