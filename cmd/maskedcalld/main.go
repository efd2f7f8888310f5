// Command maskedcalld wires the masked-call orchestrator service together:
// config, store, AMI client, correlation index, dispatcher, orchestrator,
// event bus, HTTP surface and sweeper, with graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"maskedcall/internal/ami"
	"maskedcall/internal/config"
	"maskedcall/internal/dispatcher"
	"maskedcall/internal/eventbus"
	"maskedcall/internal/httpapi"
	"maskedcall/internal/orchestrator"
	"maskedcall/internal/store"
)

const defaultConfigPath = "/etc/maskedcall/maskedcall.yaml"

func main() {
	log.Println("[Main] masked-call orchestrator starting")

	configPath := os.Getenv("MASKEDCALL_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("[Main] loading config: %v", err)
	}

	dbConn, err := store.NewConnection(cfg.Database)
	if err != nil {
		log.Fatalf("[Main] connecting to database: %v", err)
	}
	defer dbConn.Close()

	if err := dbConn.Bootstrap(); err != nil {
		log.Fatalf("[Main] bootstrapping schema: %v", err)
	}

	st := store.New(dbConn)
	log.Println("[Main] store ready")

	bus := eventbus.NewHub()
	st.SetPublisher(bus)

	amiClient := ami.NewClient(&cfg.AMI)
	if err := amiClient.Connect(); err != nil {
		log.Fatalf("[Main] connecting to AMI: %v", err)
	}
	defer amiClient.Close()
	log.Println("[Main] AMI connected")

	index := dispatcher.NewIndex()
	disp := dispatcher.New(st, index)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go disp.Run(ctx, amiClient.Subscribe())
	go runHeartbeat(ctx, amiClient, time.Duration(cfg.AMI.HeartbeatSeconds)*time.Second)

	orch := orchestrator.New(st, amiClient, index, "default")

	sweeper := orchestrator.NewSweeper(st,
		time.Duration(cfg.Sweeper.IntervalSeconds)*time.Second,
		time.Duration(cfg.Sweeper.StaleAfterSeconds)*time.Second)
	go sweeper.Run(ctx)
	defer sweeper.Stop()

	apiServer := httpapi.NewServer(&cfg.API, orch, st, bus)
	httpSrv := &http.Server{Addr: cfg.API.Address(), Handler: apiServer.Handler()}

	go func() {
		log.Printf("[Main] HTTP API listening on %s", cfg.API.Address())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Main] HTTP server: %v", err)
		}
	}()

	waitForShutdown()

	log.Println("[Main] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	disp.Stop()
}

// runHeartbeat periodically pings the PBX so a dead transport is detected
// even when no call is in flight.
func runHeartbeat(ctx context.Context, amiClient *ami.Client, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := amiClient.Ping(); err != nil {
				log.Printf("[Main] heartbeat ping failed: %v", err)
			}
		}
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
