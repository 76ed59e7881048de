package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/posthog/posthog-go"
)

const posthogHost = "https://us.i.posthog.com"

// APIKey is the public, write-only PostHog key, injected at release build
// time with -ldflags "-X .../telemetry.APIKey=...". Empty disables telemetry.
var APIKey = ""

var (
	client   posthog.Client
	once     sync.Once
	disabled bool
	anonID   string
)

// Optout reports whether the environment asks for no telemetry.
func Optout() bool {
	return os.Getenv("NOTESTREAM_NO_TELEMETRY") != "" || os.Getenv("DO_NOT_TRACK") == "1"
}

// Init initializes the telemetry client. enabled comes from the config file;
// the environment opt-out always wins.
func Init(enabled bool) {
	once.Do(func() {
		if !enabled || Optout() || APIKey == "" {
			disabled = true
			return
		}

		anonID = generateAnonID()

		var err error
		client, err = posthog.NewWithConfig(APIKey, posthog.Config{
			Endpoint: posthogHost,
			Interval: 5 * time.Second,
		})
		if err != nil {
			disabled = true
			return
		}
	})
}

// Close flushes and closes the telemetry client
func Close() {
	if client != nil {
		_ = client.Close()
	}
}

// Track sends an event to PostHog
func Track(event string, properties map[string]interface{}) {
	if disabled || client == nil {
		return
	}

	props := posthog.NewProperties()
	props.Set("os", runtime.GOOS)
	props.Set("arch", runtime.GOARCH)
	props.Set("version", Version)

	for k, v := range properties {
		props.Set(k, v)
	}

	_ = client.Enqueue(posthog.Capture{
		DistinctId: anonID,
		Event:      event,
		Properties: props,
	})
}

func TrackCommand(command string) {
	Track("command", map[string]interface{}{
		"command": command,
	})
}

// TrackTool tracks a stdio tool call by name only.
func TrackTool(tool string) {
	Track("tool", map[string]interface{}{
		"tool": tool,
	})
}

// TrackSession reports the size of a finished session. Filters, keys and
// relay urls are never sent.
func TrackSession(relays, streams, instances int, uptime time.Duration) {
	Track("session", map[string]interface{}{
		"relays":         relays,
		"streams":        streams,
		"instances":      instances,
		"uptime_minutes": int(uptime.Minutes()),
	})
}

// TrackError tracks an error event (anonymized)
func TrackError(context string) {
	Track("error", map[string]interface{}{
		"context": context,
	})
}

// generateAnonID creates a stable anonymous ID for this machine
func generateAnonID() string {
	home, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	data := home + hostname + "notestream-salt-v1"
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}

// Version is set by the calling package
var Version = "dev"

func SetVersion(v string) {
	Version = v
}
