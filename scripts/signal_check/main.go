package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// Fires a few webhook payloads at a running signal-core instance and prints
// what the pipeline did with each one. Useful after config changes to see
// normalization, gating, and fan-out end to end.
//
// Usage:
//
//	go run ./scripts/signal_check            # against http://localhost:8080
//	SIGNAL_CORE_URL=http://host:9090 go run ./scripts/signal_check
func main() {
	base := os.Getenv("SIGNAL_CORE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}

	payloads := []map[string]any{
		{"symbol": "BTCUSDT", "direction": "buy", "strength": 0.8, "source": "signal_check"},
		{"ticker": "ETHUSDT", "side": "long", "confidence": 0.5, "origin": "signal_check"},
		{"symbol": "BTCUSDT", "action": "sell", "source": "signal_check"},
		{"direction": "buy"}, // missing symbol, should be rejected
	}

	for i, payload := range payloads {
		body, _ := json.Marshal(payload)
		resp, err := client.Post(base+"/api/signal", "application/json", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("post signal: %v", err)
		}
		var out map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			log.Fatalf("decode response: %v", err)
		}
		resp.Body.Close()

		fmt.Printf("--- payload %d: %s\n", i+1, body)
		fmt.Printf("    http %d: signal=%v status=%v policy=%v enqueued=%v reason=%v\n",
			resp.StatusCode, out["signal_id"], out["status"], out["policy"], out["enqueued"], out["reason"])

		if id, ok := out["signal_id"].(string); ok && out["status"] == "APPROVED" {
			// give the scheduler a tick, then show execution state
			time.Sleep(time.Second)
			execResp, err := client.Get(base + "/api/executions/" + id)
			if err != nil {
				log.Fatalf("get executions: %v", err)
			}
			var exec map[string]any
			if err := json.NewDecoder(execResp.Body).Decode(&exec); err != nil {
				log.Fatalf("decode executions: %v", err)
			}
			execResp.Body.Close()
			ops, _ := exec["operations"].([]any)
			orders, _ := exec["orders"].([]any)
			fmt.Printf("    operations=%d orders=%d\n", len(ops), len(orders))
		}
	}

	statusResp, err := client.Get(base + "/api/queue/status")
	if err != nil {
		log.Fatalf("get queue status: %v", err)
	}
	defer statusResp.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		log.Fatalf("decode queue status: %v", err)
	}
	pretty, _ := json.MarshalIndent(status, "", "  ")
	fmt.Printf("--- queue status\n%s\n", pretty)
}
