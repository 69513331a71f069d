package cmd

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	publishTitle    string
	publishHTML     string
	publishHTMLFile string
	publishText     string
	publishTextFile string
	publishKey      string
)

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a newsletter issue to all confirmed subscribers",
	Long: `Publish a newsletter issue. The issue is enqueued for delivery to every
confirmed subscriber; delivery itself happens asynchronously in the worker.

Retrying with the same --key is safe: the service replays the original
response instead of enqueueing the issue twice.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		html, err := resolveContent(publishHTML, publishHTMLFile)
		if err != nil {
			return fmt.Errorf("html content: %w", err)
		}
		text, err := resolveContent(publishText, publishTextFile)
		if err != nil {
			return fmt.Errorf("text content: %w", err)
		}

		key := publishKey
		if key == "" {
			key = uuid.NewString()
			fmt.Fprintf(os.Stderr, "No --key given, using generated idempotency key %s\n", key)
		}

		status, body, err := makeRequest("POST", "/admin/newsletters",
			map[string]string{"X-Idempotency-Key": key},
			map[string]string{
				"title":        publishTitle,
				"html_content": html,
				"text_content": text,
			},
		)
		if err != nil {
			return fmt.Errorf("publish request failed: %w", err)
		}
		if status >= 400 {
			return fmt.Errorf("publish rejected (HTTP %d): %v", status, body["error"])
		}

		if outputJSON {
			printOutput(body)
		} else {
			fmt.Printf("✓ Issue accepted (HTTP %d)\n", status)
			fmt.Printf("Issue ID: %v\n", body["issue_id"])
			fmt.Printf("Enqueued deliveries: %v\n", body["enqueued"])
		}
		return nil
	},
}

// resolveContent returns the inline value or, if a file was given, its contents
func resolveContent(inline, file string) (string, error) {
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	if inline == "" {
		return "", fmt.Errorf("provide inline content or a file")
	}
	return inline, nil
}

func init() {
	rootCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringVar(&publishTitle, "title", "", "issue title (required)")
	publishCmd.Flags().StringVar(&publishHTML, "html", "", "HTML content inline")
	publishCmd.Flags().StringVar(&publishHTMLFile, "html-file", "", "path to HTML content")
	publishCmd.Flags().StringVar(&publishText, "text", "", "plain text content inline")
	publishCmd.Flags().StringVar(&publishTextFile, "text-file", "", "path to plain text content")
	publishCmd.Flags().StringVar(&publishKey, "key", "", "idempotency key (generated when omitted)")
	publishCmd.MarkFlagRequired("title")
}
