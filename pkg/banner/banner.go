package banner

import (
	"fmt"

	"voxsynq/pkg/config"
)

const banner = `
██╗   ██╗ ██████╗ ██╗  ██╗███████╗██╗   ██╗███╗   ██╗ ██████╗
██║   ██║██╔═══██╗╚██╗██╔╝██╔════╝╚██╗ ██╔╝████╗  ██║██╔═══██╗
██║   ██║██║   ██║ ╚███╔╝ ███████╗ ╚████╔╝ ██╔██╗ ██║██║   ██║
╚██╗ ██╔╝██║   ██║ ██╔██╗ ╚════██║  ╚██╔╝  ██║╚██╗██║██║▄▄ ██║
 ╚████╔╝ ╚██████╔╝██╔╝ ██╗███████║   ██║   ██║ ╚████║╚██████╔╝
  ╚═══╝   ╚═════╝ ╚═╝  ╚═╝╚══════╝   ╚═╝   ╚═╝  ╚═══╝ ╚══▀▀═╝
`

// PrintWithEff prints the startup banner using the effective config.
func PrintWithEff(eff config.Effective, version string) {
	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("POST   /v1/conversations/{peer}/messages            - Send a message")
	fmt.Println("GET    /v1/conversations/{peer}/messages?limit=<n>  - List conversation history")
	fmt.Println("DELETE /v1/conversations/{peer}/messages/{id}       - Delete a message")
	fmt.Println("POST   /v1/conversations/{peer}/messages/{id}/retry - Retry a failed send")
	fmt.Println("POST   /v1/conversations/{peer}/read                - Mark conversation read")
	fmt.Println("POST   /v1/calls                                    - Start a call")
	fmt.Println("POST   /v1/calls/{id}/answer|reject|end             - Drive a call")
	fmt.Println("GET    /v1/calls/history                            - Call history")
	fmt.Println("GET    /ws                                          - Signaling websocket")

	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -H 'X-User-Id: alice' -X POST 'http://localhost%s/v1/conversations/bob/messages' -d '{\"content\":{\"text\":\"hello\"}}'\n", addr)
	fmt.Printf("curl -H 'X-User-Id: alice' 'http://localhost%s/v1/conversations/bob/messages?limit=10'\n", addr)

	if eff.Config != nil {
		if eff.Config.Retention.Enabled {
			cron := eff.Config.Retention.Cron
			if cron == "" {
				cron = "0 2 * * *"
			}
			fmt.Printf("\nRetention: enabled (cron=%s period=%s)\n", cron, eff.Config.Retention.Period.Duration())
		} else {
			fmt.Println("\nRetention: disabled")
		}
		if eff.Config.Security.RateLimit.RPS > 0 {
			fmt.Printf("Rate limit: %.1f rps (burst %d)\n", eff.Config.Security.RateLimit.RPS, eff.Config.Security.RateLimit.Burst)
		} else {
			fmt.Println("Rate limit: disabled")
		}
	}

	fmt.Println("\n== Logs =======================================================")
}
