// silt-gen produces a synthetic stream of e-commerce events against the
// ingest endpoint. Test collaborator only; never part of the pipeline.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"silt/internal/logging"
)

var eventTypes = []string{"login", "product_view", "add_to_cart", "checkout", "payment_success", "payment_failure"}

var (
	devices    = []string{"desktop", "mobile", "tablet"}
	locations  = []string{"Berlin", "Austin", "Osaka", "Lagos", "Toronto", "Porto"}
	categories = []string{"electronics", "clothing", "books", "home"}
	methods    = []string{"credit_card", "paypal", "apple_pay"}
)

func generate() map[string]any {
	eventType := eventTypes[rand.Intn(len(eventTypes))]
	ev := map[string]any{
		"event_id":   uuid.NewString(),
		"event_type": eventType,
		"user_id":    1000 + rand.Intn(999000),
		"timestamp":  time.Now().UTC().Add(-time.Duration(rand.Intn(3600)) * time.Second).Format(time.RFC3339),
		"session_id": uuid.NewString(),
		"location":   locations[rand.Intn(len(locations))],
		"device":     devices[rand.Intn(len(devices))],
	}

	switch eventType {
	case "login":
		ev["ip_address"] = fmt.Sprintf("10.%d.%d.%d", rand.Intn(256), rand.Intn(256), rand.Intn(256))
		ev["login_method"] = []string{"email_password", "google", "facebook"}[rand.Intn(3)]
		ev["success"] = rand.Intn(2) == 0
	case "product_view":
		ev["product_id"] = fmt.Sprintf("P%04d", 1000+rand.Intn(9000))
		ev["category"] = categories[rand.Intn(len(categories))]
		ev["duration_seconds"] = 10 + rand.Intn(290)
	case "add_to_cart":
		ev["product_id"] = fmt.Sprintf("P%04d", 1000+rand.Intn(9000))
		ev["quantity"] = 1 + rand.Intn(5)
		ev["price"] = round2(10 + rand.Float64()*490)
		ev["cart_id"] = uuid.NewString()
	case "checkout":
		ev["cart_id"] = uuid.NewString()
		ev["total_items"] = 1 + rand.Intn(10)
		ev["total_value"] = round2(50 + rand.Float64()*950)
		ev["payment_method_selected"] = methods[rand.Intn(len(methods))]
	case "payment_success", "payment_failure":
		ev["order_id"] = uuid.NewString()
		ev["cart_id"] = uuid.NewString()
		ev["amount"] = round2(50 + rand.Float64()*950)
		ev["payment_method"] = methods[rand.Intn(len(methods))]
		ev["transaction_id"] = uuid.NewString()
		if eventType == "payment_failure" {
			ev["failure_reason"] = []string{"insufficient_funds", "invalid_card", "network_error"}[rand.Intn(3)]
		}
	}
	return ev
}

func round2(f float64) float64 {
	return float64(int(f*100)) / 100
}

func main() {
	logging.InitFromEnv()

	url := os.Getenv("SILT_INGEST_URL")
	if url == "" {
		url = "http://localhost:8000/events"
	}
	interval := 100 * time.Millisecond
	if v := os.Getenv("SILT_GEN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("SILT_GEN_INTERVAL: %v", err)
		}
		interval = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.L().Info("generator: started", "url", url, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := generate()
			body, _ := json.Marshal(ev)
			resp, err := client.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				logging.L().Warn("generator: send failed", "err", err)
				continue
			}
			resp.Body.Close()
			logging.L().Debug("generator: sent", "event_type", ev["event_type"], "status", resp.StatusCode)
		}
	}
}
