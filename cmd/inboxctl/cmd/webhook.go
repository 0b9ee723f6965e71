package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

type webhookView struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"createdAt"`
	LastDeliveredAt *time.Time `json:"lastDeliveredAt"`
}

type deliveryView struct {
	ID             string     `json:"id"`
	MessageID      string     `json:"messageId"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attemptCount"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt"`
	ResponseStatus int        `json:"responseStatus"`
	Error          string     `json:"error"`
}

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:     "webhook",
	Aliases: []string{"webhooks"},
	Short:   "Manage your webhooks",
}

var createWebhookCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Register a webhook",
	Long: `Register a webhook for the authenticated user. The signing secret is
printed once; store it to verify X-OADM-Signature on your receiver.

Example:
  inboxctl webhook create https://example.com/inbox-hook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"url": args[0]}
		if secret, _ := cmd.Flags().GetString("secret"); secret != "" {
			body["secret"] = secret
		}
		if cmd.Flags().Changed("disabled") {
			disabled, _ := cmd.Flags().GetBool("disabled")
			body["enabled"] = !disabled
		}

		var resp struct {
			Webhook webhookView `json:"webhook"`
			Secret  string      `json:"secret"`
		}
		if err := call("POST", "/v1/webhooks", asUser, body, &resp); err != nil {
			if isCode(err, "webhook_exists") {
				return errors.New("a webhook for this URL is already registered")
			}
			return fmt.Errorf("failed to create webhook: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, resp)
			return nil
		}
		fmt.Fprintf(out, "Created webhook: %s\n", resp.Webhook.ID)
		fmt.Fprintf(out, "  URL: %s\n", resp.Webhook.URL)
		fmt.Fprintf(out, "  Enabled: %t\n", resp.Webhook.Enabled)
		fmt.Fprintf(out, "  Secret: %s\n", resp.Secret)
		return nil
	},
}

var listWebhooksCmd = &cobra.Command{
	Use:   "list",
	Short: "List your webhooks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp struct {
			Webhooks []webhookView `json:"webhooks"`
		}
		if err := call("GET", "/v1/webhooks", asUser, nil, &resp); err != nil {
			return fmt.Errorf("failed to list webhooks: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, resp)
			return nil
		}
		if len(resp.Webhooks) == 0 {
			fmt.Fprintln(out, "No webhooks registered")
			return nil
		}
		for _, w := range resp.Webhooks {
			fmt.Fprintf(out, "%s  %-8s  %s  (last delivered %s)\n", w.ID, enabledLabel(w.Enabled), w.URL, formatTime(w.LastDeliveredAt))
		}
		return nil
	},
}

var deleteWebhookCmd = &cobra.Command{
	Use:   "delete [webhook-id]",
	Short: "Delete a webhook and its delivery history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call("DELETE", "/v1/webhooks/"+args[0], asUser, nil, nil); err != nil {
			return fmt.Errorf("failed to delete webhook: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted webhook: %s\n", args[0])
		return nil
	},
}

func newToggleCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [webhook-id]",
		Short: use + " delivery to a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Webhook webhookView `json:"webhook"`
			}
			if err := call("PATCH", "/v1/webhooks/"+args[0], asUser, map[string]bool{"enabled": enabled}, &resp); err != nil {
				return fmt.Errorf("failed to %s webhook: %w", use, err)
			}
			if outputJSON {
				printJSON(cmd.OutOrStdout(), resp)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Webhook %s is now %s\n", resp.Webhook.ID, enabledLabel(resp.Webhook.Enabled))
			return nil
		},
	}
}

var deliveriesCmd = &cobra.Command{
	Use:   "deliveries [webhook-id]",
	Short: "Show a webhook's delivery history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var resp struct {
			Deliveries []deliveryView `json:"deliveries"`
		}
		path := "/v1/webhooks/" + args[0] + "/deliveries?limit=" + strconv.Itoa(limit)
		if err := call("GET", path, asUser, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printJSON(out, resp)
			return nil
		}
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "No deliveries")
			return nil
		}
		for _, d := range resp.Deliveries {
			fmt.Fprintf(out, "%s  %-9s  attempts=%d  http=%d  next=%s", d.ID, d.Status, d.AttemptCount, d.ResponseStatus, formatTime(d.NextAttemptAt))
			if d.Error != "" {
				fmt.Fprintf(out, "  error=%s", d.Error)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(createWebhookCmd, listWebhooksCmd, deleteWebhookCmd, deliveriesCmd,
		newToggleCmd("enable", true), newToggleCmd("disable", false))

	createWebhookCmd.Flags().String("secret", "", "signing secret, 8-128 chars (generated when omitted)")
	createWebhookCmd.Flags().Bool("disabled", false, "register the webhook disabled")
	deliveriesCmd.Flags().Int("limit", 50, "maximum deliveries to show")
}
