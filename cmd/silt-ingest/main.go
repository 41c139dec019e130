// silt-ingest is the thin HTTP ingress collaborator: it accepts individual
// events and forwards them to the broker keyed by session id, returning the
// assigned partition and offset so callers get a real delivery outcome
// instead of a fire-and-forget log line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"silt/internal/logging"
)

func main() {
	logging.InitFromEnv()

	brokers := strings.Split(envOr("SILT_BROKERS", "localhost:9092"), ",")
	topic := envOr("SILT_TOPIC", "ecommerce_events")
	addr := envOr("SILT_INGEST_ADDR", ":8000")

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	producer, err := sarama.NewSyncProducer(brokers, sc)
	if err != nil {
		log.Fatalf("producer: %v", err)
	}
	defer producer.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		body := json.NewDecoder(r.Body)
		body.UseNumber()
		if err := body.Decode(&payload); err != nil {
			http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
			return
		}
		key, _ := payload["session_id"].(string)
		value, err := json.Marshal(payload)
		if err != nil {
			http.Error(w, `{"error":"unencodable payload"}`, http.StatusBadRequest)
			return
		}

		msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(value)}
		if key != "" {
			msg.Key = sarama.StringEncoder(key)
		}
		part, off, err := producer.SendMessage(msg)
		if err != nil {
			logging.L().Error("ingest: send failed", "err", err)
			http.Error(w, `{"error":"broker send failed"}`, http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "sent",
			"partition": part,
			"offset":    off,
		})
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.L().Info("ingest: listening", "addr", addr, "topic", topic)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("ingest: %v", err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
