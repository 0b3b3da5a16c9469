package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type generateResult struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Deduped   bool   `json:"deduped"`
	Location  string `json:"location"`
}

type requestDetail struct {
	ID           string          `json:"id"`
	Status       string          `json:"status"`
	Recipe       json.RawMessage `json:"recipe,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

var generateCmd = &cobra.Command{
	Use:   "generate <ingredients>",
	Short: "Submit an ingredient list for recipe generation",
	Long: `Submit a comma-separated ingredient list for recipe generation.

Examples:
  galley generate "chicken, rice, garlic"
  galley generate "pasta, broccoli, walnuts" --webhook https://example.com/hook
  galley generate "chicken, rice, garlic" --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		webhookURL, _ := cmd.Flags().GetString("webhook")
		wait, _ := cmd.Flags().GetBool("wait")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]string{"ingredients": args[0]}
		if webhookURL != "" {
			body["webhook_url"] = webhookURL
		}

		resp, err := client.post(cmd.Context(), "/v1/recipes/generate", body)
		if err != nil {
			return err
		}
		var result generateResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if !wait {
			if asJSON {
				return printJSON(result)
			}
			printSuccess("request accepted")
			printStatus("request", "%s", result.RequestID)
			printStatus("status", "%s", result.Status)
			if result.Deduped {
				printStatus("deduped", "true")
			}
			return nil
		}

		detail, err := pollRequest(cmd.Context(), client, result.RequestID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(detail)
		}
		printRequestDetail(detail)
		return nil
	},
}

// pollRequest polls the request handle until it reaches a terminal state.
func pollRequest(ctx context.Context, client *apiClient, id string) (requestDetail, error) {
	for {
		resp, err := client.get(ctx, "/v1/recipes/requests/"+id)
		if err != nil {
			return requestDetail{}, err
		}
		var detail requestDetail
		if err := decodeJSON(resp, &detail); err != nil {
			return requestDetail{}, err
		}
		if detail.Status == "COMPLETED" || detail.Status == "FAILED" {
			return detail, nil
		}

		select {
		case <-ctx.Done():
			return requestDetail{}, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

var requestCmd = &cobra.Command{
	Use:   "request <id>",
	Short: "Show the status of a generation request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/recipes/requests/"+args[0])
		if err != nil {
			return err
		}
		var detail requestDetail
		if err := decodeJSON(resp, &detail); err != nil {
			return err
		}
		if asJSON {
			return printJSON(detail)
		}
		printRequestDetail(detail)
		return nil
	},
}

var recipeCmd = &cobra.Command{
	Use:   "recipe <id>",
	Short: "Fetch a generated recipe by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/recipes/"+args[0])
		if err != nil {
			return err
		}
		var recipe json.RawMessage
		if err := decodeJSON(resp, &recipe); err != nil {
			return err
		}
		return printJSON(recipe)
	},
}

func printRequestDetail(detail requestDetail) {
	printStatus("request", "%s", detail.ID)
	printStatus("status", "%s", detail.Status)
	if detail.ErrorMessage != "" {
		printStatus("error", "%s", detail.ErrorMessage)
	}
	if len(detail.Recipe) > 0 {
		printJSON(detail.Recipe)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func init() {
	generateCmd.Flags().String("webhook", "", "webhook URL notified when generation finishes")
	generateCmd.Flags().Bool("wait", false, "poll until the request reaches a terminal state")
	generateCmd.Flags().Bool("json", false, "print the raw JSON response")
	requestCmd.Flags().Bool("json", false, "print the raw JSON response")
}
