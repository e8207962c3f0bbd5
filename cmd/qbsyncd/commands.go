package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// --- connect ---

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Authorize qbsyncd with a QuickBooks company",
	Long: `Authorize qbsyncd with a QuickBooks company.

Prints the Intuit consent URL. Open it in a browser, approve access, and
the daemon completes the connection through its /callback endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/api/auth/url")
		if err != nil {
			return err
		}

		var result struct {
			AuthorizationURL string `json:"authorization_url"`
			State            string `json:"state"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.AuthorizationURL)
		printSuccess("Open the URL above to connect QuickBooks")
		return nil
	},
}

// --- disconnect ---

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Revoke the stored QuickBooks tokens and clear the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("this removes the stored QuickBooks connection; re-run with --confirm")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/api/disconnect", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Disconnected from QuickBooks")
		return nil
	},
}

func init() {
	disconnectCmd.Flags().Bool("confirm", false, "confirm disconnect")
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Trigger an immediate cache refresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStatus("Refresh", "running...")
		resp, err := client.post(cmd.Context(), "/api/cache/refresh", nil)
		if err != nil {
			return err
		}

		var result struct {
			Status          string            `json:"status"`
			Counts          map[string]int    `json:"counts"`
			Errors          map[string]string `json:"errors"`
			DurationSeconds float64           `json:"duration_seconds"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch result.Status {
		case "full":
			printSuccess("Refresh completed in %.1fs", result.DurationSeconds)
		case "partial":
			printWarning("Refresh partially completed in %.1fs", result.DurationSeconds)
		default:
			printError("Refresh failed")
		}
		for entity, count := range result.Counts {
			printStatus(titleCase(entity), "%d", count)
		}
		for entity, msg := range result.Errors {
			printError("%s: %s", entity, msg)
		}
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <index> [query]",
	Short: "Query a search index",
	Long: `Query a search index.

Examples:
  qbsyncd search client_names acme
  qbsyncd search part_numbers HP-220 --limit 5
  qbsyncd search vendor_names`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		index := args[0]
		query := ""
		if len(args) > 1 {
			query = args[1]
		}
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/api/search/%s?q=%s&limit=%d",
			url.PathEscape(index), url.QueryEscape(query), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Total   int `json:"total"`
			Results []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				SKU  string `json:"sku"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Total == 0 {
			printWarning("No matches in %s", index)
			return nil
		}
		for _, entry := range result.Results {
			if entry.SKU != "" {
				fmt.Printf("  %s  %s  [%s]\n", entry.ID, entry.Name, entry.SKU)
			} else {
				fmt.Printf("  %s  %s\n", entry.ID, entry.Name)
			}
		}
		printStatus("Total", "%d", result.Total)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 15, "maximum number of results")
}
