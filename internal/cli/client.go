package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultURL = "http://localhost:3000"

var httpClient = &http.Client{Timeout: 10 * time.Second}

func buildBroadcastCommand() *cobra.Command {
	var baseURL, message string

	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Send a broadcast through a running worker",
		Long:  "POST a message to /api/worker/broadcast; the receiving worker relays it to every other worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendBroadcast(cmd.OutOrStdout(), baseURL, message)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", defaultURL, "worker base URL")
	cmd.Flags().StringVarP(&message, "message", "m", "", "message to broadcast")
	cmd.MarkFlagRequired("message")

	return cmd
}

func buildStatusCommand() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker status",
		Long:  "Display health and, in cluster mode, the received-message ring of the worker that answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout(), baseURL)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", defaultURL, "worker base URL")
	return cmd
}

func sendBroadcast(out io.Writer, baseURL, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return err
	}

	resp, err := httpClient.Post(endpoint(baseURL, "/api/worker/broadcast"), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send broadcast: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Success  bool   `json:"success"`
		WorkerID int    `json:"workerId"`
		Data     string `json:"data"`
		Error    string `json:"error"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if result.Message != "" {
			return fmt.Errorf("broadcast rejected (HTTP %d): %s: %s", resp.StatusCode, result.Error, result.Message)
		}
		return fmt.Errorf("broadcast rejected (HTTP %d): %s", resp.StatusCode, result.Error)
	}

	fmt.Fprintf(out, "Worker %d accepted broadcast %q\n", result.WorkerID, result.Data)
	return nil
}

func showStatus(out io.Writer, baseURL string) error {
	var health struct {
		Status      string  `json:"status"`
		WorkerID    int     `json:"workerId"`
		Uptime      float64 `json:"uptime"`
		ClusterMode bool    `json:"clusterMode"`
	}
	if err := getJSON(endpoint(baseURL, "/health"), &health); err != nil {
		return err
	}

	fmt.Fprintln(out, "relaypool status")
	fmt.Fprintf(out, "  Worker:       %d\n", health.WorkerID)
	fmt.Fprintf(out, "  Status:       %s\n", health.Status)
	fmt.Fprintf(out, "  Uptime:       %s\n", (time.Duration(health.Uptime * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(out, "  Cluster mode: %t\n", health.ClusterMode)

	if !health.ClusterMode {
		return nil
	}

	var info struct {
		MessageCount     int `json:"messageCount"`
		ReceivedMessages []struct {
			From      int    `json:"from"`
			Data      string `json:"data"`
			Timestamp int64  `json:"timestamp"`
		} `json:"receivedMessages"`
	}
	if err := getJSON(endpoint(baseURL, "/api/worker/info"), &info); err != nil {
		return err
	}

	fmt.Fprintf(out, "  Messages:     %d\n", info.MessageCount)
	for _, m := range info.ReceivedMessages {
		fmt.Fprintf(out, "    %s  from %d  %q\n",
			time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339), m.From, m.Data)
	}
	return nil
}

func getJSON(url string, v any) error {
	resp, err := httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}

func endpoint(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}
