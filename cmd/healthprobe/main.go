// Command healthprobe polls a reportd /healthz endpoint and exits zero
// on success. Intended as a container healthcheck where curl is absent.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

func main() {
	url := flag.String("url", "http://localhost:8080/healthz", "health endpoint to probe")
	timeout := flag.Duration("timeout", 3*time.Second, "per-request timeout")
	retries := flag.Int("retries", 1, "attempts before giving up")
	flag.Parse()

	c := &fasthttp.Client{
		ReadTimeout:  *timeout,
		WriteTimeout: *timeout,
	}

	var lastErr error
	for i := 0; i < *retries; i++ {
		if i > 0 {
			time.Sleep(time.Second)
		}
		status, body, err := c.GetTimeout(nil, *url, *timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if status == fasthttp.StatusOK {
			fmt.Printf("ok: %s\n", string(body))
			os.Exit(0)
		}
		lastErr = fmt.Errorf("status %d", status)
	}
	fmt.Fprintf(os.Stderr, "unhealthy: %v\n", lastErr)
	os.Exit(1)
}
