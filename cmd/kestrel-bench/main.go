// Benchmark tool for exercising a running Kestrel server with a transaction CSV.
//
// Usage:
//
//	go run ./cmd/kestrel-bench -csv clients_transactions.csv -url http://localhost:8080
//
// This tool:
//  1. Reads transactions in the Kestrel CSV format
//  2. Optionally ingests them as client history (POST /transactions)
//  3. Sends them to POST /detect in batches, or one by one to POST /detect/transaction
//  4. Reports alert counts per reason, latency percentiles and throughput
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/loader"
)

// Metrics tracks benchmark results
type Metrics struct {
	Requests  atomic.Int64
	Errors    atomic.Int64
	Processed atomic.Int64
	Flagged   atomic.Int64

	mu        sync.Mutex
	byReason  map[string]int
	latencies []time.Duration
}

func newMetrics() *Metrics {
	return &Metrics{byReason: make(map[string]int)}
}

func (m *Metrics) record(latency time.Duration, reasons ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latency)
	for _, r := range reasons {
		m.byReason[r]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to a Kestrel transaction CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	mode := flag.String("mode", "batch", "batch (POST /detect) or single (POST /detect/transaction)")
	batchSize := flag.Int("batch", 1000, "Transactions per /detect request in batch mode")
	limit := flag.Int("limit", 10000, "Maximum transactions to send (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	ingest := flag.Bool("ingest", false, "Store the transactions as history before single mode")
	verbose := flag.Bool("verbose", false, "Print each flagged transaction")
	flag.Parse()

	if *csvPath == "" || (*mode != "batch" && *mode != "single") {
		fmt.Println("Usage: kestrel-bench -csv /path/to/transactions.csv [-url http://localhost:8080] [-mode batch|single]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Mode:        %s\n", *mode)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Println()

	client := &http.Client{Timeout: 60 * time.Second}

	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel serve")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	txs, err := (&loader.CSV{}).Load(context.Background(), *csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if *limit > 0 && len(txs) > *limit {
		txs = txs[:*limit]
	}
	reqs := make([]domain.TransactionRequest, len(txs))
	for i, t := range txs {
		reqs[i] = domain.NewTransactionRequest(t)
	}
	fmt.Printf("Loaded %d transactions\n", len(reqs))

	if *ingest {
		for _, chunk := range chunks(reqs, *batchSize) {
			if _, err := post(client, *baseURL+"/transactions", api.DetectRequest{Transactions: chunk}, http.StatusCreated, nil); err != nil {
				fmt.Printf("ERROR: Failed to ingest history: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("Ingested %d transactions as history\n", len(reqs))
	}

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	metrics := newMetrics()
	startTime := time.Now()
	if *mode == "batch" {
		runBatches(client, *baseURL, chunks(reqs, *batchSize), *workers, metrics, *verbose)
	} else {
		runSingles(client, *baseURL, reqs, *workers, metrics, *verbose)
	}
	printResults(metrics, time.Since(startTime))
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func chunks(reqs []domain.TransactionRequest, size int) [][]domain.TransactionRequest {
	if size <= 0 {
		size = len(reqs)
	}
	var out [][]domain.TransactionRequest
	for start := 0; start < len(reqs); start += size {
		out = append(out, reqs[start:min(start+size, len(reqs))])
	}
	return out
}

func runBatches(client *http.Client, baseURL string, batches [][]domain.TransactionRequest, numWorkers int, m *Metrics, verbose bool) {
	work := make(chan []domain.TransactionRequest, len(batches))
	for _, b := range batches {
		work <- b
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range work {
				var resp api.DetectResponse
				elapsed, err := post(client, baseURL+"/detect", api.DetectRequest{Transactions: batch, Source: "kestrel-bench"}, http.StatusOK, &resp)
				m.Requests.Add(1)
				if err != nil {
					m.Errors.Add(1)
					if verbose {
						fmt.Printf("ERROR: batch of %d -> %v\n", len(batch), err)
					}
					continue
				}

				m.Processed.Add(int64(len(batch)))
				m.Flagged.Add(int64(resp.AlertCount))
				reasons := make([]string, len(resp.Alerts))
				for i, a := range resp.Alerts {
					reasons[i] = a.Reason
					if verbose {
						fmt.Printf("ALERT client=%d %s %-14s %12.2f %s\n",
							a.ClientID, a.Datetime.Format(domain.TimeLayout), a.City, a.Amount, a.Reason)
					}
				}
				m.record(elapsed, reasons...)
			}
		}()
	}
	wg.Wait()
}

func runSingles(client *http.Client, baseURL string, reqs []domain.TransactionRequest, numWorkers int, m *Metrics, verbose bool) {
	work := make(chan domain.TransactionRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for req := range work {
				var res domain.TransactionResult
				elapsed, err := post(client, baseURL+"/detect/transaction", req, http.StatusOK, &res)
				m.Requests.Add(1)
				if err != nil {
					m.Errors.Add(1)
					if verbose {
						fmt.Printf("ERROR: client %d %s -> %v\n", req.ClientID, req.Datetime, err)
					}
					continue
				}

				m.Processed.Add(1)
				if !res.IsFraud {
					m.record(elapsed)
					continue
				}
				m.Flagged.Add(1)
				m.record(elapsed, res.Reason)
				if verbose {
					fmt.Printf("ALERT %s history=%d %s\n", res.TransactionID, res.HistorySize, res.Reason)
				}
			}
		}()
	}

	for _, req := range reqs {
		work <- req
	}
	close(work)
	wg.Wait()
}

// post sends body as JSON and decodes the response into out when non-nil.
func post(client *http.Client, url string, body any, want int, out any) (time.Duration, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e map[string]string
		json.NewDecoder(resp.Body).Decode(&e)
		return 0, fmt.Errorf("status %d: %s", resp.StatusCode, e["error"])
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, err
		}
	}
	return time.Since(start), nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(p * float64(len(sorted)))
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	processed := m.Processed.Load()
	flagged := m.Flagged.Load()

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Requests:         %d\n", m.Requests.Load())
	fmt.Printf("   Transactions:     %d\n", processed)
	fmt.Printf("   Errors:           %d\n", m.Errors.Load())

	fmt.Printf("\nALERTS\n")
	if processed > 0 {
		fmt.Printf("   Flagged:          %d / %d (%.2f%%)\n", flagged, processed, 100*float64(flagged)/float64(processed))
	}
	reasons := make([]string, 0, len(m.byReason))
	for r := range m.byReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Printf("   %-28s %d\n", r+":", m.byReason[r])
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(m.latencies) > 0 {
		fmt.Printf("   Latency p50:      %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   Latency p95:      %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   Latency p99:      %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
	}
	if processed > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(processed)/duration.Seconds())
	}
	fmt.Println()
}
