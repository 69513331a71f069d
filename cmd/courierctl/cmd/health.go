package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the newsletter service",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, body, err := makeRequest("GET", "/healthz", nil, nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printOutput(body)
			return nil
		}

		if status == 200 {
			fmt.Println("✓ Service is healthy")
		} else {
			fmt.Printf("✗ Service is unhealthy (HTTP %d): %v\n", status, body["message"])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
