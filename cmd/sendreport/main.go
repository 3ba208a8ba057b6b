// Command sendreport simulates a field device. It builds a multipart upload
// from flags, posts it to the report service, and prints the response.
//
// Usage:
//
//	go run ./cmd/sendreport \
//	  -url http://localhost:8080/api/upload \
//	  -image leaf.jpg -crop wheat -disease rust -pesticide Propiconazole \
//	  -lat 18.04 -lon 78.26
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type options struct {
	url       string
	image     string
	crop      string
	disease   string
	pesticide string
	lat       string
	lon       string
	timestamp string
	count     int
	interval  time.Duration
}

func main() {
	var o options
	flag.StringVar(&o.url, "url", "http://localhost:8080/api/upload", "upload endpoint")
	flag.StringVar(&o.image, "image", "", "path to an image file to attach (optional)")
	flag.StringVar(&o.crop, "crop", "", "crop detection label")
	flag.StringVar(&o.disease, "disease", "", "disease detection label")
	flag.StringVar(&o.pesticide, "pesticide", "", "pesticide recommendation")
	flag.StringVar(&o.lat, "lat", "", "latitude in degrees")
	flag.StringVar(&o.lon, "lon", "", "longitude in degrees")
	flag.StringVar(&o.timestamp, "timestamp", "", "observation time, RFC 3339 (default: server clock)")
	flag.IntVar(&o.count, "count", 1, "number of reports to send")
	flag.DurationVar(&o.interval, "interval", time.Second, "delay between reports when -count > 1")
	flag.Parse()

	if err := run(o); err != nil {
		log.Fatal(err)
	}
}

func run(o options) error {
	metadata, err := buildMetadata(o)
	if err != nil {
		return err
	}

	var image []byte
	if o.image != "" {
		if image, err = os.ReadFile(o.image); err != nil {
			return fmt.Errorf("read image: %w", err)
		}
	}

	client := &http.Client{Timeout: 30 * time.Second}
	for i := range o.count {
		if i > 0 {
			time.Sleep(o.interval)
		}
		if err := send(client, o.url, metadata, filepath.Base(o.image), image); err != nil {
			return err
		}
	}
	return nil
}

func buildMetadata(o options) ([]byte, error) {
	md := map[string]any{}
	if o.timestamp != "" {
		md["timestamp"] = o.timestamp
	}
	if o.lat != "" || o.lon != "" {
		lat, err := strconv.ParseFloat(o.lat, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid -lat %q", o.lat)
		}
		lon, err := strconv.ParseFloat(o.lon, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid -lon %q", o.lon)
		}
		md["location"] = map[string]float64{"lat": lat, "lon": lon}
	}
	if o.crop != "" {
		md["crop_detection"] = o.crop
	}
	if o.disease != "" {
		md["disease_detection"] = o.disease
	}
	if o.pesticide != "" {
		md["pesticide_recommendation"] = o.pesticide
	}
	return json.Marshal(md)
}

func send(client *http.Client, url string, metadata []byte, filename string, image []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("metadata", string(metadata)); err != nil {
		return fmt.Errorf("write metadata field: %w", err)
	}
	if image != nil {
		part, err := mw.CreateFormFile("image", filename)
		if err != nil {
			return fmt.Errorf("create image part: %w", err)
		}
		if _, err := part.Write(image); err != nil {
			return fmt.Errorf("write image part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	resp, err := client.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Printf("%s %s\n", resp.Status, bytes.TrimSpace(out))
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}
	return nil
}
