// Command watch connects to the report service's live feed and prints every
// report it receives, starting with the most recent one.
//
// Usage:
//
//	go run ./cmd/watch -url ws://localhost:8080/ws
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/hub"
	"github.com/gorilla/websocket"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "live feed endpoint")
	raw := flag.Bool("raw", false, "print events as received JSON")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *url, *raw); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, url string, raw bool) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "connected to %s\n", url)

	go func() {
		<-ctx.Done()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if raw {
			fmt.Println(string(data))
			continue
		}
		if err := printEvent(data); err != nil {
			fmt.Fprintf(os.Stderr, "skipping event: %v\n", err)
		}
	}
}

func printEvent(data []byte) error {
	var ev hub.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	if ev.Type != hub.EventReportUpdate {
		return errors.New("unknown event type " + ev.Type)
	}

	r := ev.Data
	fmt.Printf("%s  %s\n", r.Timestamp.Format(time.RFC3339), r.ID)
	if r.Location != nil {
		fmt.Printf("  location:   %.5f, %.5f\n", r.Location.Lat, r.Location.Lon)
	}
	if r.PlaceName != "" {
		fmt.Printf("  place:      %s\n", r.PlaceName)
	}
	printField("crop", r.CropDetection)
	printField("disease", r.DiseaseDetection)
	printField("pesticide", r.PesticideRecommendation)
	if p := r.ImagePath(); p != "" {
		fmt.Printf("  image:      %s\n", p)
	}
	return nil
}

func printField(name string, v *string) {
	if v != nil {
		fmt.Printf("  %-11s %s\n", name+":", *v)
	}
}
