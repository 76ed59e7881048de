package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

const serverKey = "notestream"

var (
	setupFile    string
	setupOffline bool
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Add notestream to an MCP client configuration",
	Long: `Adds notestream as an MCP server to a client configuration file.

By default, adds to .mcp.json in the current directory.
Use --file to target another config; files ending in .toml get an
[mcp_servers.notestream] table, anything else a JSON "mcpServers" entry.`,
	RunE: runSetup,
}

func init() {
	setupCmd.Flags().StringVar(&setupFile, "file", ".mcp.json", "Client config file to update")
	setupCmd.Flags().BoolVar(&setupOffline, "offline", false, "Register the server with --offline")
}

func runSetup(cmd *cobra.Command, args []string) error {
	binaryPath, err := getBinaryPath()
	if err != nil {
		return fmt.Errorf("failed to find notestream binary: %w", err)
	}

	serverArgs := serveArgs()
	if strings.EqualFold(filepath.Ext(setupFile), ".toml") {
		err = setupTOMLConfig(setupFile, binaryPath, serverArgs)
	} else {
		err = setupJSONConfig(setupFile, binaryPath, serverArgs)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added notestream to %s\nBinary: %s\n\nRestart your MCP client to load the new server.\n", setupFile, binaryPath)
	return nil
}

func serveArgs() []string {
	args := []string{"serve"}
	if setupOffline {
		args = append(args, "--offline")
	}
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			args = append(args, "--config", abs)
		}
	}
	return args
}

func getBinaryPath() (string, error) {
	// First try to find in PATH
	path, err := exec.LookPath("notestream")
	if err == nil {
		return filepath.Abs(path)
	}

	// Fall back to current executable
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Abs(exe)
}

// setupJSONConfig merges an mcpServers entry into a JSON config, keeping
// every other key.
func setupJSONConfig(configPath, binaryPath string, args []string) error {
	config := make(map[string]interface{})

	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config: %w", err)
	}

	mcpServers, ok := config["mcpServers"].(map[string]interface{})
	if !ok {
		mcpServers = make(map[string]interface{})
	}
	mcpServers[serverKey] = map[string]interface{}{
		"command": binaryPath,
		"args":    args,
	}
	config["mcpServers"] = mcpServers

	output, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeConfig(configPath, output)
}

// setupTOMLConfig does the same for TOML clients using [mcp_servers.<name>].
func setupTOMLConfig(configPath, binaryPath string, args []string) error {
	config := make(map[string]interface{})

	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse existing config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read config: %w", err)
	}

	mcpServers, ok := config["mcp_servers"].(map[string]interface{})
	if !ok {
		mcpServers = make(map[string]interface{})
	}
	mcpServers[serverKey] = map[string]interface{}{
		"command": binaryPath,
		"args":    args,
	}
	config["mcp_servers"] = mcpServers

	output, err := toml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return writeConfig(configPath, output)
}

func writeConfig(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
