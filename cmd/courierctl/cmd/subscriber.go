package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	subscribeEmail string
	confirmToken   string
)

// subscriberCmd groups subscription management commands
var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Manage newsletter subscriptions",
}

var subscriberAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Subscribe an email address",
	Long: `Store a pending subscription for the given address. The service sends a
confirmation email; the subscription only becomes active once the link in
that email is followed (or the token is passed to 'subscriber confirm').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, body, err := makeRequest("POST", "/subscriptions", nil,
			map[string]string{"email": subscribeEmail})
		if err != nil {
			return fmt.Errorf("subscribe request failed: %w", err)
		}
		if status >= 400 {
			return fmt.Errorf("subscribe rejected (HTTP %d): %v", status, body["error"])
		}

		if outputJSON {
			printOutput(body)
		} else {
			fmt.Printf("✓ Subscription stored for %s, confirmation email sent\n", subscribeEmail)
		}
		return nil
	},
}

var subscriberConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Confirm a subscription with its token",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, body, err := makeRequest("GET", "/subscriptions/confirm?token="+confirmToken, nil, nil)
		if err != nil {
			return fmt.Errorf("confirm request failed: %w", err)
		}
		if status >= 400 {
			return fmt.Errorf("confirm rejected (HTTP %d): %v", status, body["error"])
		}

		if outputJSON {
			printOutput(body)
		} else {
			fmt.Println("✓ Subscription confirmed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subscriberCmd)
	subscriberCmd.AddCommand(subscriberAddCmd)
	subscriberCmd.AddCommand(subscriberConfirmCmd)

	subscriberAddCmd.Flags().StringVar(&subscribeEmail, "email", "", "email address to subscribe (required)")
	subscriberAddCmd.MarkFlagRequired("email")

	subscriberConfirmCmd.Flags().StringVar(&confirmToken, "token", "", "confirmation token (required)")
	subscriberConfirmCmd.MarkFlagRequired("token")
}
