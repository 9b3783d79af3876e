package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// call issues one request against the running gateway and decodes the JSON
// response. Non-2xx responses become errors carrying the body's error code.
func call(method, path string, body any, headers map[string]string, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, gatewayURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func printJSON(v any) {
	raw, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(raw))
}

var pairCmd = &cobra.Command{
	Use:   "pair [pairing-id code]",
	Short: "Pair with the running gateway",
	Long: `With no arguments, starts a pairing session; read the code from the
gateway's /pair page. With a pairing id and code, confirms the session and
prints the minted token.`,
	Args: cobra.RangeArgs(0, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			var out struct {
				PairingID string `json:"pairingId"`
				CodeHint  string `json:"codeHint"`
				ExpiresAt string `json:"expiresAt"`
			}
			if err := call(http.MethodPost, "/api/pair/start", map[string]any{}, nil, &out); err != nil {
				return err
			}
			fmt.Printf("Pairing started (%s).\n", out.PairingID)
			fmt.Printf("Read the code from %s/pair, then run:\n", gatewayURL)
			fmt.Printf("  spaceduck pair %s <code>\n", out.PairingID)
			fmt.Printf("Hint: %s, expires %s\n", out.CodeHint, out.ExpiresAt)
			return nil
		}
		if len(args) != 2 {
			return fmt.Errorf("confirm needs both the pairing id and the code")
		}

		host, _ := os.Hostname()
		var out struct {
			Token string `json:"token"`
		}
		err := call(http.MethodPost, "/api/pair/confirm", map[string]any{
			"pairingId": args[0], "code": args[1], "deviceName": host,
		}, nil, &out)
		if err != nil {
			return err
		}
		fmt.Println(out.Token)
		fmt.Fprintln(os.Stderr, "export SPACEDUCK_TOKEN with this value for later commands")
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and write the gateway config",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the redacted config with its rev",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]any
		if err := call(http.MethodGet, "/api/config", nil, nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <json-pointer> <value>",
	Short: "Replace one config value, rev-checked",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, rawValue := args[0], args[1]

		// The value is JSON; bare words become strings.
		var value json.RawMessage
		if json.Valid([]byte(rawValue)) {
			value = json.RawMessage(rawValue)
		} else {
			quoted, _ := json.Marshal(rawValue)
			value = quoted
		}

		var current struct {
			Rev string `json:"rev"`
		}
		if err := call(http.MethodGet, "/api/config", nil, nil, &current); err != nil {
			return err
		}

		ops := []map[string]any{{"op": "replace", "path": path, "value": value}}
		var out struct {
			Rev      string `json:"rev"`
			Warnings []struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"warnings"`
		}
		err := call(http.MethodPatch, "/api/config", ops, map[string]string{"If-Match": current.Rev}, &out)
		if err != nil {
			return err
		}
		fmt.Printf("applied, rev %s\n", out.Rev)
		for _, w := range out.Warnings {
			fmt.Printf("warning: %s: %s\n", w.Code, w.Message)
		}
		return nil
	},
}

var secretSetCmd = &cobra.Command{
	Use:   "secret <path> [value]",
	Short: "Set or unset a secret (omit the value to unset)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{"op": "unset", "path": args[0]}
		if len(args) == 2 {
			req["op"] = "set"
			req["value"] = args[1]
		}
		if err := call(http.MethodPost, "/api/config/secrets", req, nil, nil); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Tasks []struct {
				ID         string `json:"id"`
				Status     string `json:"status"`
				NextRunAt  string `json:"nextRunAt"`
				RetryCount int    `json:"retryCount"`
				Definition struct {
					Prompt string `json:"prompt"`
				} `json:"definition"`
			} `json:"tasks"`
		}
		if err := call(http.MethodGet, "/api/tasks", nil, nil, &out); err != nil {
			return err
		}
		if len(out.Tasks) == 0 {
			fmt.Println("no tasks")
			return nil
		}
		for _, task := range out.Tasks {
			next := task.NextRunAt
			if next == "" {
				next = "-"
			}
			fmt.Printf("%s  %-11s retries=%d next=%s  %s\n",
				task.ID, task.Status, task.RetryCount, next, task.Definition.Prompt)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(secretSetCmd)
}
