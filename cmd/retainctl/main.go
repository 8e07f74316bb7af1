// Package main implements retainctl, a CLI for the retaind HTTP API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the retaind HTTP server
	serverURL string
	// userID is sent as X-User-ID on user-scoped commands
	userID string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "retainctl",
	Short: "CLI for retaind HTTP server operations",
	Long: `retainctl is a command-line interface for the retaind HTTP server.
It ingests documents, runs queries, and triggers retention purges.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9090", "retaind server URL")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", os.Getenv("RETAIND_USER"), "user id (default $RETAIND_USER)")

	ingestCmd.Flags().StringP("name", "n", "", "document name (default: file name)")
	queryCmd.Flags().IntP("top-k", "k", 0, "number of results (default: server setting)")
	askCmd.Flags().IntP("top-k", "k", 0, "number of passages to use (default: server setting)")
	purgeCmd.Flags().Int("retention-days", 0, "keep only the newest N days (default: server setting)")

	topCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
	topCmd.Flags().Int("retention-days", 3, "retention window used to scale the shard gauge")

	rootCmd.AddCommand(ingestCmd, queryCmd, askCmd, statsCmd, purgeCmd, healthCmd, topCmd)
}

// client wraps HTTP calls to the server.
type client struct {
	base string
	user string
	http *http.Client
}

func newClient(timeout time.Duration) *client {
	return &client{
		base: serverURL,
		user: userID,
		http: &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON to path and decodes a 2xx response into out.
func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	url := c.base + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func requireUser() error {
	if userID == "" {
		return fmt.Errorf("--user (or RETAIND_USER) is required")
	}
	return nil
}
