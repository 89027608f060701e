// Command demo drives the broadcast scenario against a running pool:
// one worker broadcasts, then every worker's ring is sampled until each
// has been seen. Workers share one listening port, so sampling relies on
// the kernel spreading fresh connections across them.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type workerInfo struct {
	WorkerID         int `json:"workerId"`
	MessageCount     int `json:"messageCount"`
	ReceivedMessages []struct {
		From int    `json:"from"`
		Data string `json:"data"`
	} `json:"receivedMessages"`
}

func main() {
	var (
		baseURL string
		workers int
		message string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:          "demo",
		Short:        "Broadcast once and show which workers received it",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(strings.TrimRight(baseURL, "/"), workers, message, timeout)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:3000", "pool base URL")
	cmd.Flags().IntVar(&workers, "workers", 3, "expected number of workers")
	cmd.Flags().StringVarP(&message, "message", "m", "ping", "payload to broadcast")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to sample workers")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(baseURL string, workers int, message string, timeout time.Duration) error {
	// 每次請求使用新連線，讓請求分散到不同 worker
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}

	body, _ := json.Marshal(map[string]string{"message": message})
	resp, err := client.Post(baseURL+"/api/worker/broadcast", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("broadcast failed: %w", err)
	}
	var ack struct {
		WorkerID int    `json:"workerId"`
		Error    string `json:"error"`
	}
	err = json.NewDecoder(resp.Body).Decode(&ack)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to decode broadcast response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broadcast rejected (HTTP %d): %s", resp.StatusCode, ack.Error)
	}
	fmt.Printf("Worker %d broadcast %q\n\n", ack.WorkerID, message)

	seen := make(map[int]workerInfo)
	deadline := time.Now().Add(timeout)
	for len(seen) < workers && time.Now().Before(deadline) {
		info, err := fetchInfo(client, baseURL)
		if err != nil {
			return err
		}
		seen[info.WorkerID] = info
		time.Sleep(20 * time.Millisecond)
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	fmt.Printf("%-10s %-8s %s\n", "WORKER", "COUNT", "ROLE")
	for _, id := range ids {
		role := "receiver"
		if id == ack.WorkerID {
			role = "sender"
		}
		fmt.Printf("%-10d %-8d %s\n", id, seen[id].MessageCount, role)
	}

	if len(seen) < workers {
		return fmt.Errorf("only reached %d of %d workers within %s", len(seen), workers, timeout)
	}
	return nil
}

func fetchInfo(client *http.Client, baseURL string) (workerInfo, error) {
	var info workerInfo
	resp, err := client.Get(baseURL + "/api/worker/info")
	if err != nil {
		return info, fmt.Errorf("info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return info, fmt.Errorf("info request returned HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return info, fmt.Errorf("failed to decode info: %w", err)
	}
	return info, nil
}
