// Replay tool for feeding signed webhook events into a running Tripwire.
//
// Usage:
//
//	go run ./cmd/replay -file events.jsonl -secret whsec_... -url http://localhost:8080
//	go run ./cmd/replay -scenario velocity -account acct_demo -secret whsec_...
//
// Each line of -file is one provider envelope. The tool signs every
// payload the way the provider would, posts it to /webhooks/events and
// reports how many events were buffered, deduplicated or rejected and how
// many alerts the reactor raised before answering.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/tripwire/internal/ingest"
)

// Metrics tracks replay results.
type Metrics struct {
	Sent       int64
	Buffered   int64
	Duplicates int64
	Rejected   int64
	Errors     int64
	Alerts     int64

	LatencyMs int64
}

func main() {
	file := flag.String("file", "", "Path to a JSONL file of webhook envelopes")
	scenario := flag.String("scenario", "", "Generate events instead of reading a file: velocity, bank-swap, geo")
	baseURL := flag.String("url", "http://localhost:8080", "Tripwire base URL")
	secret := flag.String("secret", os.Getenv("TRIPWIRE_WEBHOOK_SECRET"), "Webhook signing secret")
	account := flag.String("account", "acct_replay", "Account for generated events, also sent as X-Account-ID")
	workers := flag.Int("workers", 1, "Number of concurrent senders (1 keeps event order)")
	verbose := flag.Bool("verbose", false, "Print each delivery result")
	flag.Parse()

	if *file == "" && *scenario == "" {
		fmt.Println("Usage: replay (-file events.jsonl | -scenario velocity) [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	var (
		payloads [][]byte
		err      error
	)
	if *file != "" {
		payloads, err = readEnvelopes(*file)
	} else {
		payloads, err = generate(*scenario, *account, time.Now())
	}
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Tripwire not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	fmt.Printf("Replaying %d events to %s with %d workers\n", len(payloads), *baseURL, *workers)
	start := time.Now()
	m := replay(payloads, *baseURL, *secret, *account, *workers, *verbose)
	printResults(m, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readEnvelopes(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	return out, sc.Err()
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Account string `json:"account"`
	Created int64  `json:"created"`
	Data    struct {
		Object any `json:"object"`
	} `json:"data"`
}

func event(eventType, account string, at time.Time, object any) []byte {
	env := envelope{
		ID:      "evt_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Type:    eventType,
		Account: account,
		Created: at.Unix(),
	}
	env.Data.Object = object
	b, _ := json.Marshal(env)
	return b
}

// generate builds a burst that trips one of the built-in rules.
func generate(scenario, account string, now time.Time) ([][]byte, error) {
	payout := func(i int, dest string) map[string]any {
		return map[string]any{
			"id":          fmt.Sprintf("po_replay_%d", i),
			"amount":      250000,
			"currency":    "usd",
			"status":      "paid",
			"destination": dest,
		}
	}

	var out [][]byte
	switch scenario {
	case "velocity":
		for i := 0; i < 5; i++ {
			out = append(out, event("payout.paid", account, now.Add(time.Duration(i)*time.Minute), payout(i, "ba_primary")))
		}
	case "bank-swap":
		out = append(out,
			event("account.external_account.updated", account, now, map[string]any{
				"id":      "ba_new",
				"object":  "bank_account",
				"country": "US",
				"last4":   "9876",
			}),
			event("payout.created", account, now.Add(10*time.Minute), payout(1, "ba_new")),
		)
	case "geo":
		for i := 0; i < 3; i++ {
			out = append(out, event("charge.succeeded", account, now.Add(time.Duration(i)*time.Minute), map[string]any{
				"id":       fmt.Sprintf("ch_replay_%d", i),
				"amount":   9900,
				"currency": "usd",
				"status":   "succeeded",
				"payment_method_details": map[string]any{
					"card": map[string]any{"country": "NG", "brand": "visa", "last4": "4242"},
				},
			}))
		}
	default:
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
	return out, nil
}

func replay(payloads [][]byte, baseURL, secret, account string, numWorkers int, verbose bool) *Metrics {
	m := &Metrics{}
	if numWorkers <= 0 {
		numWorkers = 1
	}

	work := make(chan []byte, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for body := range work {
				start := time.Now()
				status, res, err := send(client, baseURL, secret, account, body)
				atomic.AddInt64(&m.LatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.Sent, 1)

				switch {
				case err != nil:
					atomic.AddInt64(&m.Errors, 1)
					if verbose {
						fmt.Printf("ERROR: %v\n", err)
					}
					continue
				case status == http.StatusBadRequest:
					atomic.AddInt64(&m.Rejected, 1)
				case res.Duplicate:
					atomic.AddInt64(&m.Duplicates, 1)
				default:
					atomic.AddInt64(&m.Buffered, 1)
				}

				if res != nil && res.Reactor != nil {
					atomic.AddInt64(&m.Alerts, int64(res.Reactor.AlertsCreated))
				}
				if verbose && res != nil {
					alerts := 0
					if res.Reactor != nil {
						alerts = res.Reactor.AlertsCreated
					}
					fmt.Printf("%-36s %-34s duplicate=%-5v alerts=%d\n", res.EventID, res.Type, res.Duplicate, alerts)
				}
			}
		}()
	}

	for _, p := range payloads {
		work <- p
	}
	close(work)
	wg.Wait()

	return m
}

func send(client *http.Client, baseURL, secret, account string, body []byte) (int, *ingest.Result, error) {
	req, err := http.NewRequest(http.MethodPost, baseURL+"/webhooks/events", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ingest.SignatureHeader, ingest.Sign(secret, time.Now(), body))
	if account != "" {
		req.Header.Set(ingest.AccountHeader, account)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res ingest.Result
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return resp.StatusCode, nil, err
		}
		return resp.StatusCode, &res, nil
	case http.StatusBadRequest:
		return resp.StatusCode, nil, nil
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println()
	fmt.Println("REPLAY RESULTS")
	fmt.Printf("   Sent:        %d\n", m.Sent)
	fmt.Printf("   Buffered:    %d\n", m.Buffered)
	fmt.Printf("   Duplicates:  %d\n", m.Duplicates)
	fmt.Printf("   Rejected:    %d\n", m.Rejected)
	fmt.Printf("   Errors:      %d\n", m.Errors)
	fmt.Printf("   Alerts:      %d (raised before the webhook answered)\n", m.Alerts)
	fmt.Println()
	fmt.Printf("   Duration:    %v\n", duration.Round(time.Millisecond))
	if m.Sent > 0 {
		fmt.Printf("   Avg Latency: %.2f ms\n", float64(m.LatencyMs)/float64(m.Sent))
		fmt.Printf("   Throughput:  %.2f events/sec\n", float64(m.Sent)/duration.Seconds())
	}
	fmt.Println()
}
