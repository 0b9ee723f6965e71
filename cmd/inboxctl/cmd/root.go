package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	serverURL  string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	jwtToken   string
	userID     string
	cronSecret string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "inboxctl",
	Short: "Inbox hooks CLI - manage webhooks and trigger deliveries",
	Long: `inboxctl is a command line tool for the inbox webhook delivery service.

Use it to register webhooks, inspect delivery history, create test
events and trigger a sweep of due deliveries.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.inboxctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the inbox hooks API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "JWT bearer token (overrides JWT_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "user id sent as X-User-Id when the API trusts a proxy")
	rootCmd.PersistentFlags().StringVar(&cronSecret, "cron-secret", "", "shared secret for internal triggers (overrides OADM_WEBHOOK_CRON_SECRET)")

	// Bind flags to viper
	for _, name := range []string{"server", "timeout", "json", "pretty", "token", "user", "cron-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".inboxctl")
	}

	viper.SetEnvPrefix("INBOXCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	serverURL = strings.TrimRight(viper.GetString("server"), "/")
	if d := viper.GetDuration("timeout"); d > 0 {
		timeout = d
	}
	outputJSON = viper.GetBool("json")
	prettyJSON = viper.GetBool("pretty")
	userID = viper.GetString("user")

	jwtToken = viper.GetString("token")
	if jwtToken == "" {
		jwtToken = os.Getenv("JWT_TOKEN")
	}
	cronSecret = viper.GetString("cron-secret")
	if cronSecret == "" {
		cronSecret = os.Getenv("OADM_WEBHOOK_CRON_SECRET")
	}
}

type authMode int

const (
	asUser authMode = iota
	asCron
)

// apiError is the {"error": "<code>"} body the API answers failures with.
type apiError struct {
	Status int
	Code   string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed with HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
}

// call sends a JSON request and decodes a 2xx JSON answer into out.
func call(method, path string, mode authMode, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch mode {
	case asCron:
		if cronSecret != "" {
			req.Header.Set("Authorization", "Bearer "+cronSecret)
		}
	default:
		if jwtToken != "" {
			req.Header.Set("Authorization", "Bearer "+jwtToken)
		}
		if userID != "" {
			req.Header.Set("X-User-Id", userID)
		}
	}

	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil {
			apiErr.Code = e.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// isCode reports whether err is an API error with the given code.
func isCode(err error, code string) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printJSON writes v as JSON, through jq when --pretty is set.
func printJSON(w io.Writer, v any) {
	if prettyJSON {
		if compact, err := json.Marshal(v); err == nil {
			formatted, jqErr := formatWithJQ(compact)
			if jqErr == nil {
				fmt.Fprint(w, formatted)
				return
			}
			fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
		return
	}
	fmt.Fprintln(w, string(data))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
