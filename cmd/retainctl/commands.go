package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Wire types mirror internal/http/types.go.

type addDocumentRequest struct {
	DocumentName string `json:"document_name"`
	Text         string `json:"text"`
}

type addDocumentResponse struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	ShardDate  string `json:"shard_date"`
	ShardSize  int64  `json:"shard_size"`
}

type queryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

type queryResponse struct {
	Results []struct {
		Text         string  `json:"text"`
		DocumentName string  `json:"document_name"`
		PageNumber   int     `json:"page_number"`
		Score        float64 `json:"score"`
		ShardDate    string  `json:"shard_date"`
	} `json:"results"`
	Citations []string `json:"citations"`
}

type askRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

type askResponse struct {
	Answer  string `json:"answer"`
	Sources []struct {
		SourceNumber   int     `json:"source_number"`
		DocumentName   string  `json:"document_name"`
		PageNumber     int     `json:"page_number"`
		ChunkPreview   string  `json:"chunk_preview"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"sources"`
}

type statsResponse struct {
	DocumentCount int      `json:"document_count"`
	ChunkCount    int      `json:"chunk_count"`
	ShardDates    []string `json:"shard_dates"`
}

type purgeResponse struct {
	ShardsDropped int   `json:"shards_dropped"`
	RowsDeleted   int64 `json:"rows_deleted"`
}

type healthResponse struct {
	Status string `json:"status"`
	Shards int    `json:"shards"`
}

// ingestCmd uploads a text file or stdin
var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Add a plain-text document",
	Long: `Add a plain-text document from a file or stdin. Form feed characters
separate pages.

Examples:
  # Ingest a file
  retainctl -u alice ingest report.txt

  # Ingest from stdin with an explicit name
  pdftotext report.pdf - | retainctl -u alice ingest - --name report.pdf`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve the most relevant chunks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from your documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show document and chunk counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop shards older than the retention window",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check retaind server health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func runIngest(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}

	name, _ := cmd.Flags().GetString("name")
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
		if name == "" {
			name = "stdin"
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
		if name == "" {
			name = filepath.Base(args[0])
		}
	}

	var resp addDocumentResponse
	err = newClient(5*time.Minute).do(http.MethodPost, "/api/v1/documents",
		addDocumentRequest{DocumentName: name, Text: string(content)}, &resp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Document:  %s\n", resp.DocumentID)
	fmt.Fprintf(out, "Chunks:    %d\n", resp.ChunkCount)
	fmt.Fprintf(out, "Shard:     %s (%d vectors)\n", resp.ShardDate, resp.ShardSize)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	topK, _ := cmd.Flags().GetInt("top-k")

	var resp queryResponse
	err := newClient(2*time.Minute).do(http.MethodPost, "/api/v1/query",
		queryRequest{Query: strings.Join(args, " "), TopK: topK}, &resp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}
	for i, r := range resp.Results {
		fmt.Fprintf(out, "%s  score=%.3f  shard=%s\n%s\n\n", resp.Citations[i], r.Score, r.ShardDate, r.Text)
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	topK, _ := cmd.Flags().GetInt("top-k")

	var resp askResponse
	err := newClient(5*time.Minute).do(http.MethodPost, "/api/v1/ask",
		askRequest{Question: strings.Join(args, " "), TopK: topK}, &resp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Answer)
	if len(resp.Sources) > 0 {
		fmt.Fprintln(out, "\nSources:")
		for _, s := range resp.Sources {
			fmt.Fprintf(out, "  [%d] %s, Page %d (%.3f)\n", s.SourceNumber, s.DocumentName, s.PageNumber, s.RelevanceScore)
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	if err := requireUser(); err != nil {
		return err
	}

	var resp statsResponse
	if err := newClient(30*time.Second).do(http.MethodGet, "/api/v1/stats", nil, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Documents: %d\n", resp.DocumentCount)
	fmt.Fprintf(out, "Chunks:    %d\n", resp.ChunkCount)
	fmt.Fprintf(out, "Shards:    %s\n", strings.Join(resp.ShardDates, ", "))
	return nil
}

func runPurge(cmd *cobra.Command, _ []string) error {
	path := "/api/v1/purge"
	if days, _ := cmd.Flags().GetInt("retention-days"); days != 0 {
		path += "?" + url.Values{"retention_days": {fmt.Sprint(days)}}.Encode()
	}

	var resp purgeResponse
	if err := newClient(10*time.Minute).do(http.MethodPost, path, nil, &resp); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Dropped %d shard(s), deleted %d row(s)\n", resp.ShardsDropped, resp.RowsDeleted)
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp healthResponse
	if err := newClient(5*time.Second).do(http.MethodGet, "/health", nil, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
	fmt.Fprintf(out, "Live Shards:   %d\n", resp.Shards)
	fmt.Fprintf(out, "Server URL:    %s\n", serverURL)
	return nil
}
