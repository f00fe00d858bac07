package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ted-keystonepartners/tevor/pkg/server"
)

// The response cache lives in the serve process, so these commands talk to
// a running server.
func newCacheCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the response cache of a running server",
	}

	var limit int
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats server.CacheStatsResponse
			if err := callServer(http.MethodGet, fmt.Sprintf("%s/cache-stats?limit=%d", addr, limit), &stats); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !stats.Enabled {
				fmt.Fprintln(out, "Cache disabled.")
				return nil
			}
			fmt.Fprintf(out, "Entries:  %d/%d\nHits:     %d\nMisses:   %d\nHit rate: %.1f%%\nTTL:      %s\n",
				stats.Size, stats.Capacity, stats.Hits, stats.Misses, stats.HitRate*100,
				time.Duration(stats.TTLSeconds)*time.Second)
			if len(stats.PopularQueries) > 0 {
				fmt.Fprintln(out, "Recent queries:")
				for _, q := range stats.PopularQueries {
					fmt.Fprintf(out, "  %s\n", q)
				}
			}
			return nil
		},
	}
	statsCmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent queries to show")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear all cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callServer(http.MethodPost, addr+"/cache/clear", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "All cache entries cleared.")
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8000", "tevor server address")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

func callServer(method, url string, out any) error {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
