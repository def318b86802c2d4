// Command healthcheck probes the bot's /healthz endpoint for container
// health checks. The target is HEALTHCHECK_URL, or /healthz on HTTP_ADDR.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target(), nil)
	if err != nil {
		log.Printf("bad healthcheck url: %v", err)
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("healthcheck request failed: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		log.Printf("unhealthy: %s", resp.Status)
		os.Exit(1)
	}
}

func target() string {
	if u := os.Getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" || addr == "-" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}
