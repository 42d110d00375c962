package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/nutrictx/internal/assemble"
	httpserver "github.com/fyrsmithlabs/nutrictx/internal/http"
)

var (
	queryUser  string
	queryTypes []string
	queryJSON  bool
)

// queryCmd asks a running daemon for context
var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Retrieve personalized context from a running daemon",
	Long: `Retrieve the assembled context a running nutrictxd would hand to the assistant.

Examples:
  nutrictxd query --user u1 "what did I eat for breakfast"

  # Restrict to meal plans and print the raw response
  nutrictxd query --user u1 --types meal_plan --json "plan for next week"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check nutrictxd server health",
	Long: `Check the health status of a running nutrictxd.

Examples:
  nutrictxd health
  nutrictxd health --server http://localhost:8087`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

func init() {
	queryCmd.Flags().StringVar(&queryUser, "user", "", "user id (required)")
	queryCmd.Flags().StringSliceVar(&queryTypes, "types", nil, "data types to search (default: inferred from the question)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the raw JSON response")
	_ = queryCmd.MarkFlagRequired("user")
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// runQuery handles the query command
func runQuery(cmd *cobra.Command, args []string) error {
	reqJSON, err := json.Marshal(httpserver.ContextRequest{
		Query:     strings.Join(args, " "),
		DataTypes: queryTypes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/users/%s/context", serverURL, url.PathEscape(queryUser))
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := do(req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if queryJSON {
		_, err := out.Write(body)
		return err
	}

	var result assemble.Context
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Fprintln(out, result.Summary)
	fmt.Fprintf(out, "\n[%d item(s), intent %s", result.Stats.TotalItems, result.Stats.QueryIntent)
	if result.Stats.Truncated {
		fmt.Fprint(out, ", truncated")
	}
	if result.Stats.Degraded {
		fmt.Fprint(out, ", degraded")
	}
	fmt.Fprintln(out, "]")
	return nil
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	body, err := do(req)
	if err != nil {
		return err
	}

	var health httpserver.HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", health.Status)
	fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", serverURL)
	return nil
}

// do sends req and returns the body of a 2xx response.
func do(req *http.Request) ([]byte, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr httpserver.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
