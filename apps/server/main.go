// Command server runs the head-to-head 2048 race backend: websocket
// matchmaking and match sessions, the settlement bridge and the
// leaderboard API.
package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"race2048/apps/server/internal/bridge"
	"race2048/apps/server/internal/gateway"
	"race2048/apps/server/internal/ledger"
	"race2048/apps/server/internal/session"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	bridgeService, bridgeMode, err := bridge.NewServiceFromEnv()
	if err != nil {
		log.Fatalf("[Server] bridge init failed: %v", err)
	}
	defer bridgeService.Close()
	log.Printf("[Server] settlement bridge: %s", bridgeMode)

	ledgerService, ledgerMode, err := ledger.NewServiceFromEnv()
	if err != nil {
		log.Fatalf("[Server] ledger init failed: %v", err)
	}
	defer ledgerService.Close()
	log.Printf("[Server] match ledger: %s", ledgerMode)

	cfg := session.ConfigFromEnv()
	coord := session.NewCoordinator(cfg, bridgeService, ledgerService)
	gw := gateway.New(coord)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	ledger.NewHTTPHandler(ledgerService).RegisterRoutes(mux)

	addr := listenAddr()
	log.Printf("[Server] listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[Server] listen failed: %v", err)
	}
}

func listenAddr() string {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		return ":" + port
	}
	return ":8080"
}
