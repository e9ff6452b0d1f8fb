package banner

import "fmt"

const banner = `
████████╗██╗     ██████╗ ██████╗  █████╗ ██╗    ██╗
╚══██╔══╝██║     ██╔══██╗██╔══██╗██╔══██╗██║    ██║
   ██║   ██║     ██║  ██║██████╔╝███████║██║ █╗ ██║
   ██║   ██║     ██║  ██║██╔══██╗██╔══██║██║███╗██║
   ██║   ███████╗██████╔╝██║  ██║██║  ██║╚███╔███╔╝
   ╚═╝   ╚══════╝╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝ ╚══╝╚══╝
`

// Info carries the runtime facts the banner displays.
type Info struct {
	Addr     string
	Redis    string
	Prefix   string
	Backend  string
	Debounce string
	Version  string
}

// Print writes the startup banner and effective runtime info to stdout.
func Print(info Info) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Admin:    %s\n", info.Addr)
	fmt.Printf("Redis:    %s (prefix %q)\n", info.Redis, info.Prefix)
	fmt.Printf("Storage:  %s\n", info.Backend)
	fmt.Printf("Debounce: %s\n", info.Debounce)
	if info.Version != "" {
		fmt.Printf("Version:  %s\n", info.Version)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /healthz            - liveness probe")
	fmt.Println("GET  /readyz             - readiness probe (checks Redis)")
	fmt.Println("GET  /metrics            - Prometheus metrics")
	fmt.Println("POST /v1/compaction/run  - enqueue a compaction marker for every stream")
}
