package banner

import (
	"fmt"
	"strings"

	"reportd/pkg/config"
)

const banner = `
██████╗ ███████╗██████╗  ██████╗ ██████╗ ████████╗██████╗
██╔══██╗██╔════╝██╔══██╗██╔═══██╗██╔══██╗╚══██╔══╝██╔══██╗
██████╔╝█████╗  ██████╔╝██║   ██║██████╔╝   ██║   ██║  ██║
██╔══██╗██╔══╝  ██╔═══╝ ██║   ██║██╔══██╗   ██║   ██║  ██║
██║  ██║███████╗██║     ╚██████╔╝██║  ██║   ██║   ██████╔╝
╚═╝  ╚═╝╚══════╝╚═╝      ╚═════╝ ╚═╝  ╚═╝   ╚═╝   ╚═════╝
`

// Print shows the startup banner plus a quick readiness checklist built
// from the resolved configuration.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:    %s\n", cfg.Server.Address)
	fmt.Printf("Network:   %s\n", cfg.Network)
	fmt.Printf("Base path: %s\n", cfg.Ingest.BasePath)
	fmt.Printf("Streams:   %s\n", strings.Join(cfg.EnabledStreams(), ", "))
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST /v1/report/{beacon|witness|heartbeat|speedtest} - Submit a signed report")
	fmt.Println("GET  /metrics  - Prometheus metrics")
	fmt.Println("GET  /healthz  - Liveness")

	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X POST 'http://localhost%s/v1/report/heartbeat' -d @heartbeat.json\n", cfg.Server.Address)

	fmt.Println("\n== Production? =================================================")
	if cfg.Security.APIToken != "" {
		fmt.Println("- API token: configured")
	} else {
		fmt.Println("- API token: MISSING (submit routes are open)")
	}
	if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}
	if cfg.Upload.Disabled {
		fmt.Println("- Upload: DISABLED (segments accumulate on disk)")
	} else {
		fmt.Printf("- Upload: s3://%s/%s\n", cfg.Upload.Bucket, cfg.Upload.Prefix)
	}
	if cfg.Janitor.Enabled {
		fmt.Printf("- Janitor: %s (max age %s)\n", cfg.Janitor.Cron, cfg.Janitor.MaxAge.Duration())
	} else {
		fmt.Println("- Janitor: disabled")
	}
}
