package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pairchat/internal/config"
	"pairchat/internal/control"
	"pairchat/internal/identity"
	"pairchat/internal/inbox"
	"pairchat/internal/relay"
	"pairchat/internal/roomstate"
	"pairchat/internal/session"
	"pairchat/internal/util"
	"pairchat/internal/view"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	room, err := roomstate.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("room state connection failed: %v", err)
	}
	defer room.Close()

	relayProvider, err := relay.NewRedisProvider(cfg.RedisURL, cfg.RelayChannel)
	if err != nil {
		log.Fatalf("relay connection failed: %v", err)
	}
	defer relayProvider.Close()

	inboxProvider := inbox.NewBotProvider(cfg.InboxBaseURL, cfg.InboxToken, cfg.AdminTargetID)

	names := identity.NewStore(cfg.DataDir)
	savedName, err := names.Load()
	if err != nil {
		log.Printf("WARNING: could not read saved display name: %v", err)
	}

	sess := session.New(room, relayProvider, inboxProvider, session.Options{
		ClientID:          util.NewID("client"),
		DisplayName:       savedName,
		AdminTarget:       cfg.AdminTargetID,
		HistoryCount:      cfg.HistoryCount,
		RelayPollInterval: cfg.RelayPollInterval,
		InboxPollInterval: cfg.InboxPollInterval,
	})
	sess.SetSink(func(snap view.Snapshot) {
		log.Printf("view: %d messages, scattered=%v", len(snap.Messages), snap.Scattered)
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(runCtx)

	// A name supplied through the environment checks in and persists, so the
	// next start skips onboarding.
	if wanted := os.Getenv("PAIRCHAT_USERNAME"); wanted != "" && wanted != savedName {
		if err := sess.CheckIn(runCtx, wanted); err != nil {
			log.Printf("check-in rejected: %v", err)
		} else if err := names.Save(wanted); err != nil {
			log.Printf("WARNING: could not persist display name: %v", err)
		}
	}

	ctrl := control.NewServer(sess)
	server := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("pairchat control listening on %s", cfg.ControlAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("control server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	<-sess.Done()
}
