package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agora/backend/internal/board"
	"github.com/agora/backend/internal/config"
	"github.com/agora/backend/internal/court"
	"github.com/agora/backend/internal/eventlog"
	"github.com/agora/backend/internal/events"
	"github.com/agora/backend/internal/httpapi"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/internal/ledger"
	"github.com/agora/backend/internal/metrics"
	"github.com/agora/backend/internal/reputation"
	"github.com/agora/backend/internal/store"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()
	if env := os.Getenv("AGORA_CONFIG"); env != "" {
		*configPath = env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}

	log.Printf("Starting %s %s...", cfg.Service.Name, cfg.Service.Version)

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Store open failed: %v", err)
	}
	defer st.Close()

	coord := store.NewCoordinator(st)
	eventLog := eventlog.NewLog(st.Reader())

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	hub, err := events.NewHub(context.Background(), eventLog)
	if err != nil {
		log.Fatalf("Hub init failed: %v", err)
	}
	hub.SetMetrics(m)
	coord.SetSink(hub)

	// Identity and the platform notary key.
	registry := identity.NewRegistry(coord, st.Reader(), identity.KeyConfig{
		PublicKeyPrefix: cfg.Crypto.PublicKeyPrefix,
		PublicKeyBytes:  cfg.Crypto.PublicKeyBytes,
		SignatureBytes:  cfg.Crypto.SignatureBytes,
	})
	verifier := identity.NewVerifier(registry, cfg.Crypto.Algorithm)
	notary, err := identity.LoadSigner(cfg.Platform.AgentID, cfg.Crypto.Algorithm, cfg.Platform.PrivateKeyPath)
	if err != nil {
		log.Fatalf("Notary key load failed: %v", err)
	}
	if err := registry.EnsureAgent(context.Background(), notary.AgentID(), "platform notary",
		cfg.Crypto.PublicKeyPrefix+notary.PublicKeyB64()); err != nil {
		log.Fatalf("Notary registration failed: %v", err)
	}

	// Ledger and its platform-side authority.
	engine := ledger.NewEngine(coord, st.Reader(), registry, cfg.Platform.AgentID)
	engine.SetMetrics(m)
	authority := ledger.NewAuthority(engine, verifier)

	// Board and Court reference each other; the board gets the court's
	// dispute filer after both exist.
	taskBoard := board.New(coord, st.Reader(), authority)
	taskBoard.SetMetrics(m)
	rep := reputation.New(coord, st.Reader())

	timeout := time.Duration(cfg.Request.DownstreamTimeoutSeconds) * time.Second
	panel := make([]court.Judge, 0, len(cfg.Judges.Judges))
	for _, j := range cfg.Judges.Judges {
		panel = append(panel, court.NewHTTPJudge(j.Name, j.URL, timeout))
	}
	disputeCourt := court.New(coord, st.Reader(), taskBoard, authority, rep, panel,
		cfg.Platform.AgentID, time.Duration(cfg.Disputes.RebuttalDeadlineSeconds)*time.Second)
	disputeCourt.SetMetrics(m)
	taskBoard.SetDisputeFiler(disputeCourt)

	router := httpapi.NewRouter(httpapi.Deps{
		Service:     cfg.Service.Name,
		Version:     cfg.Service.Version,
		NotaryID:    cfg.Platform.AgentID,
		MaxBodySize: cfg.Request.MaxBodySize,
		Registry:    registry,
		Verifier:    verifier,
		Ledger:      engine,
		Authority:   authority,
		Board:       taskBoard,
		Court:       disputeCourt,
		Reputation:  rep,
		Log:         eventLog,
		Hub:         hub,
		Metrics:     m,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the event stream holds connections open
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
