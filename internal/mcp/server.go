package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/maorbril/notestream/internal/engine"
	"github.com/maorbril/notestream/internal/streams"
	"github.com/maorbril/notestream/internal/telemetry"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "notestream"
)

// Engine is what the tools drive.
type Engine interface {
	Watch(filters []nostr.Filter) (streams.InstanceID, error)
	OpenThread(rootID string) (streams.InstanceID, bool)
	OpenProfile(pubkey string) (streams.InstanceID, bool)
	OpenHashtag(tag string) (streams.InstanceID, bool)
	OpenUniverse() (streams.InstanceID, bool)
	OpenNotifications(pubkey string) (streams.InstanceID, bool)
	OpenContacts(pubkey string) (engine.Contacts, error)
	CloseColumn(key string) (streams.InstanceID, error)
	Pause(id streams.InstanceID) error
	Resume(id streams.InstanceID) error
	Stop(id streams.InstanceID) error
	TakeUnseen(id streams.InstanceID) ([]engine.Note, bool, error)
	Status() (*engine.Status, error)
}

type Server struct {
	engine Engine
	reader *bufio.Reader
	writer io.Writer
	mu     sync.Mutex
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type InitializeParams struct {
	ProtocolVersion string      `json:"protocolVersion"`
	Capabilities    interface{} `json:"capabilities"`
	ClientInfo      ClientInfo  `json:"clientInfo"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    ServerCapability `json:"capabilities"`
	ServerInfo      ServerInfo       `json:"serverInfo"`
}

type ServerCapability struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Items       *Items   `json:"items,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

type Items struct {
	Type string `json:"type"`
}

type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewServer serves e over stdin and stdout.
func NewServer(e Engine) *Server {
	return NewServerIO(e, os.Stdin, os.Stdout)
}

func NewServerIO(e Engine, r io.Reader, w io.Writer) *Server {
	return &Server{
		engine: e,
		reader: bufio.NewReader(r),
		writer: w,
	}
}

func (s *Server) Run() error {
	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.sendError(nil, -32700, "Parse error", nil)
			continue
		}

		s.handleRequest(&req)
	}
}

func (s *Server) handleRequest(req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized":
		// No response needed
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolCall(req)
	case "ping":
		s.sendResult(req.ID, map[string]interface{}{})
	default:
		s.sendError(req.ID, -32601, "Method not found", nil)
	}
}

func (s *Server) handleInitialize(req *Request) {
	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: ServerCapability{
			Tools: &ToolsCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: telemetry.Version,
		},
	}
	s.sendResult(req.ID, result)
}

func (s *Server) handleToolsList(req *Request) {
	s.sendResult(req.ID, map[string]interface{}{"tools": toolList()})
}

func toolList() []Tool {
	instanceOnly := InputSchema{
		Type: "object",
		Properties: map[string]Property{
			"instance": {
				Type:        "integer",
				Description: "Instance id returned by watch or one of the open_* tools",
			},
		},
		Required: []string{"instance"},
	}
	pubkeyOnly := func(what string) InputSchema {
		return InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"pubkey": {
					Type:        "string",
					Description: what + " public key, hex or npub1/nprofile1",
				},
			},
			Required: []string{"pubkey"},
		}
	}
	return []Tool{
		{
			Name:        "watch",
			Description: "Start watching notes matching a set of nostr filters. Returns an instance id; new notes are collected with take_unseen.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"filters": {
						Type:        "array",
						Description: "Nostr filters (NIP-01), e.g. [{\"kinds\":[1],\"authors\":[\"<hex pubkey>\"]}]. A note matching any filter is delivered.",
						Items:       &Items{Type: "object"},
					},
				},
				Required: []string{"filters"},
			},
		},
		{
			Name:        "open_thread",
			Description: "Watch a thread: the root note and every reply tagging it. Reopening the same thread returns the same instance.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"event_id": {
						Type:        "string",
						Description: "Root event id, hex or note1/nevent1",
					},
				},
				Required: []string{"event_id"},
			},
		},
		{
			Name:        "open_profile",
			Description: "Watch an author's notes and reposts.",
			InputSchema: pubkeyOnly("Author"),
		},
		{
			Name:        "open_hashtag",
			Description: "Watch notes carrying a hashtag.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"tag": {
						Type:        "string",
						Description: "Hashtag, with or without the leading #",
					},
				},
				Required: []string{"tag"},
			},
		},
		{
			Name:        "open_universe",
			Description: "Watch every text note.",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: map[string]Property{},
			},
		},
		{
			Name:        "open_notifications",
			Description: "Watch text notes mentioning a user.",
			InputSchema: pubkeyOnly("User"),
		},
		{
			Name:        "open_contacts",
			Description: "Watch the notes of everyone a user follows. Until the user's contact list is stored locally the column watches for the list; call again once it has arrived to switch to the follows.",
			InputSchema: pubkeyOnly("User"),
		},
		{
			Name:        "close_column",
			Description: "Stop the instance behind an open column, by column key as shown in stream_status (e.g. thread:<id>, hashtag:go, universe).",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"column": {
						Type:        "string",
						Description: "Column key",
					},
				},
				Required: []string{"column"},
			},
		},
		{
			Name:        "pause",
			Description: "Stop fetching for an instance. Its cursor is kept so resume can catch up.",
			InputSchema: instanceOnly,
		},
		{
			Name:        "resume",
			Description: "Resume a paused instance. Notes published while it was paused are fetched first.",
			InputSchema: instanceOnly,
		},
		{
			Name:        "stop",
			Description: "Stop watching and forget an instance.",
			InputSchema: instanceOnly,
		},
		{
			Name:        "take_unseen",
			Description: "Return the notes fetched for an instance since the last call, newest first.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"instance": {
						Type:        "integer",
						Description: "Instance id",
					},
					"format": {
						Type:        "string",
						Description: "Output format (default: text)",
						Enum:        []string{"text", "json"},
					},
				},
				Required: []string{"instance"},
			},
		},
		{
			Name:        "stream_status",
			Description: "Show streams, instances, relay connectivity, subscriptions and local database statistics.",
			InputSchema: InputSchema{
				Type:       "object",
				Properties: map[string]Property{},
			},
		},
	}
}

func (s *Server) handleToolCall(req *Request) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, -32602, "Invalid params", nil)
		return
	}

	var result ToolResult

	switch params.Name {
	case "watch":
		result = s.toolWatch(params.Arguments)
	case "open_thread":
		result = s.toolOpenThread(params.Arguments)
	case "open_profile":
		result = s.toolOpenProfile(params.Arguments)
	case "open_hashtag":
		result = s.toolOpenHashtag(params.Arguments)
	case "open_universe":
		result = s.toolOpenUniverse(params.Arguments)
	case "open_notifications":
		result = s.toolOpenNotifications(params.Arguments)
	case "open_contacts":
		result = s.toolOpenContacts(params.Arguments)
	case "close_column":
		result = s.toolCloseColumn(params.Arguments)
	case "pause":
		result = s.toolPause(params.Arguments)
	case "resume":
		result = s.toolResume(params.Arguments)
	case "stop":
		result = s.toolStop(params.Arguments)
	case "take_unseen":
		result = s.toolTakeUnseen(params.Arguments)
	case "stream_status":
		result = s.toolStreamStatus(params.Arguments)
	default:
		result = ToolResult{
			Content: []ContentBlock{{Type: "text", Text: "Unknown tool: " + params.Name}},
			IsError: true,
		}
	}
	if !result.IsError {
		telemetry.TrackTool(params.Name)
	}

	s.sendResult(req.ID, result)
}

func (s *Server) sendResult(id interface{}, result interface{}) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(id interface{}, code int, message string, data interface{}) {
	s.send(Response{
		JSONRPC: "2.0",
		ID:      id,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
	})
}

func (s *Server) send(resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	fmt.Fprintf(s.writer, "%s\n", data)
}
