package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deadLetterLimit int

// deadletterCmd represents the deadletter command
var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "List deliveries that exhausted their retry budget",
	Long: `List dead-lettered deliveries: tasks that failed permanently or ran out
of retry attempts. Each entry carries the last error the mail gateway
returned, which is usually enough to decide whether the address should be
removed or the issue re-sent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/admin/deadletters?limit=%d", deadLetterLimit)
		status, body, err := makeRequest("GET", path, nil, nil)
		if err != nil {
			return fmt.Errorf("deadletter request failed: %w", err)
		}
		if status >= 400 {
			return fmt.Errorf("deadletter listing rejected (HTTP %d): %v", status, body["error"])
		}

		if outputJSON {
			printOutput(body)
			return nil
		}

		dead, _ := body["dead"].([]any)
		if len(dead) == 0 {
			fmt.Println("No dead-lettered deliveries")
			return nil
		}
		fmt.Printf("%d dead-lettered deliveries:\n", len(dead))
		for _, entry := range dead {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			fmt.Printf("  task %v  issue=%v  to=%v  attempts=%v\n    last error: %v\n",
				m["id"], m["issue_id"], m["subscriber_email"], m["attempt"], m["last_error"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.Flags().IntVar(&deadLetterLimit, "limit", 20, "maximum entries to list")
}
