package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Create message events",
}

var createEventCmd = &cobra.Command{
	Use:   "create [recipient-user-id] [text]",
	Short: "Create a message event and fan it out to the recipient's webhooks",
	Long: `Create a message event through the internal trigger. Requires the cron
secret when the server has one configured.

Example:
  inboxctl event create user_42 "hello there" --from alice`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		toName, _ := cmd.Flags().GetString("to-name")
		id, _ := cmd.Flags().GetString("id")
		if toName == "" {
			toName = args[0]
		}
		body := map[string]string{
			"id":       id,
			"fromName": from,
			"toUserId": args[0],
			"toName":   toName,
			"text":     args[1],
		}

		var resp map[string]any
		if err := call("POST", "/v1/events", asCron, body, &resp); err != nil {
			return fmt.Errorf("failed to create event: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, resp)
			return nil
		}
		fmt.Fprintf(out, "Created message: %v\n", resp["messageId"])
		if queued, _ := resp["queued"].(bool); queued {
			fmt.Fprintln(out, "  Queued for fan-out")
			return nil
		}
		fmt.Fprintf(out, "  Deliveries: %v (delivered %v, retrying %v, failed %v)\n",
			resp["deliveries"], resp["delivered"], resp["retrying"], resp["failed"])
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Attempt due pending deliveries now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var resp struct {
			Processed int  `json:"processed"`
			Delivered int  `json:"delivered"`
			Retrying  int  `json:"retrying"`
			Failed    int  `json:"failed"`
			Skipped   bool `json:"skipped"`
		}
		path := "/v1/webhooks/deliveries/run"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		if err := call("POST", path, asCron, nil, &resp); err != nil {
			return fmt.Errorf("failed to run sweep: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, resp)
			return nil
		}
		if resp.Skipped {
			fmt.Fprintln(out, "Sweep skipped, another sweep is in progress")
			return nil
		}
		fmt.Fprintf(out, "Processed %d deliveries (delivered %d, retrying %d, failed %d)\n",
			resp.Processed, resp.Delivered, resp.Retrying, resp.Failed)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the inbox hooks service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st struct {
			OK      bool            `json:"ok"`
			Message string          `json:"message"`
			Checks  map[string]bool `json:"checks"`
		}
		err := call("GET", "/healthz", asUser, nil, &st)
		out := cmd.OutOrStdout()
		if err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		for name, ok := range st.Checks {
			fmt.Fprintf(out, "  %s: %t\n", name, ok)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd, sweepCmd, healthCmd)
	eventCmd.AddCommand(createEventCmd)

	createEventCmd.Flags().String("from", "inboxctl", "sender name")
	createEventCmd.Flags().String("to-name", "", "recipient display name (defaults to the user id)")
	createEventCmd.Flags().String("id", "", "message id (generated by the server when empty)")
	sweepCmd.Flags().Int("limit", 0, "maximum deliveries to attempt (server default and cap apply)")
}
