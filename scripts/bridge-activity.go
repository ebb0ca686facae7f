//go:build ignore

// bridge-activity.go - Display recent relayer transfers in a demo-friendly format
//
// Usage:
//   go run scripts/bridge-activity.go                                 # Local relayer on :8080
//   go run scripts/bridge-activity.go -url http://relayer:8080 -status failed
//   go run scripts/bridge-activity.go -address 0x... -limit 10
//   go run scripts/bridge-activity.go -status failed -reconcile       # Retry failed transfers from the last 24h

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"
)

var (
	baURL       = flag.String("url", "http://localhost:8080", "Relayer API base URL")
	baStatus    = flag.String("status", "", "Filter by status: pending, failed or minted")
	baAddress   = flag.String("address", "", "Filter by sender or recipient address")
	baLimit     = flag.Int("limit", 20, "Number of recent transfers to display")
	baReconcile = flag.Bool("reconcile", false, "Run a manual reconciliation before listing")
	baWindow    = flag.Duration("window", 24*time.Hour, "Failed window for -reconcile")
)

type transfer struct {
	SourceTxHash      string    `json:"source_tx_hash"`
	SourceChain       string    `json:"source_chain"`
	SourceTokenName   string    `json:"source_token_name"`
	SourceAmount      string    `json:"source_amount"`
	TargetChain       string    `json:"target_chain"`
	TargetTokenName   string    `json:"target_token_name"`
	TargetAmount      string    `json:"target_amount"`
	TargetAddress     string    `json:"target_address"`
	TargetTxHash      string    `json:"target_tx_hash"`
	CrossBridgeStatus string    `json:"cross_bridge_status"`
	Stage             string    `json:"stage"`
	ErrorKind         string    `json:"error_kind"`
	RetryCount        int       `json:"retry_count"`
	CreatedAt         time.Time `json:"created_at"`
}

var client = &http.Client{Timeout: 30 * time.Second}

func main() {
	flag.Parse()

	fmt.Println("══════════════════════════════════════════════════════════════════════")
	fmt.Println("  Bridge Activity")
	fmt.Println("══════════════════════════════════════════════════════════════════════")
	fmt.Printf("  Relayer: %s\n\n", *baURL)

	if *baReconcile {
		fmt.Println(">>> Running manual reconciliation...")
		q := url.Values{"failed_window": {baWindow.String()}}
		body, err := call(http.MethodPost, "/api/v1/reconcile", q)
		if err != nil {
			log.Fatalf("Reconciliation failed: %v", err)
		}
		fmt.Printf("    %s\n", body)
	}

	q := url.Values{"limit": {fmt.Sprint(*baLimit)}}
	if *baStatus != "" {
		q.Set("status", *baStatus)
	}
	if *baAddress != "" {
		q.Set("address", *baAddress)
	}
	body, err := call(http.MethodGet, "/api/v1/transfers", q)
	if err != nil {
		log.Fatalf("Failed to list transfers: %v", err)
	}

	var resp struct {
		Transfers []transfer `json:"transfers"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		log.Fatalf("Failed to decode transfers: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tROUTE\tAMOUNT\tRECIPIENT\tSTATUS\tSTAGE\tSOURCE TX\tTARGET TX")
	for _, t := range resp.Transfers {
		status := t.CrossBridgeStatus
		if t.ErrorKind != "" {
			status = fmt.Sprintf("%s (%s, retries %d)", status, t.ErrorKind, t.RetryCount)
		}
		fmt.Fprintf(w, "%s\t%s -> %s\t%s %s -> %s %s\t%s\t%s\t%s\t%s\t%s\n",
			t.CreatedAt.Local().Format("01-02 15:04:05"),
			t.SourceChain, t.TargetChain,
			t.SourceAmount, t.SourceTokenName, t.TargetAmount, t.TargetTokenName,
			short(t.TargetAddress), status, t.Stage,
			short(t.SourceTxHash), short(t.TargetTxHash))
	}
	_ = w.Flush()
	fmt.Printf("\n  %d transfer(s)\n", len(resp.Transfers))
}

func call(method, path string, q url.Values) ([]byte, error) {
	req, err := http.NewRequest(method, *baURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, body)
	}
	return body, nil
}

func short(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "..." + s[len(s)-4:]
}
