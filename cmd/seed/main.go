// Seed populates a running platform with demo agents, funded accounts and a
// sample task, so the event stream and dashboards have something to show.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/agora/backend/internal/config"
	"github.com/agora/backend/internal/identity"
	"github.com/agora/backend/pkg/sdk"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the config file")
	baseURL := flag.String("url", "http://localhost:8080", "platform base URL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Seed failed: %v", err)
	}

	notarySigner, err := identity.LoadSigner(cfg.Platform.AgentID, cfg.Crypto.Algorithm, cfg.Platform.PrivateKeyPath)
	if err != nil {
		log.Fatalf("Seed failed: %v", err)
	}
	notary := sdk.NewClient(sdk.Config{BaseURL: *baseURL, Signer: notarySigner})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// The server registers the notary at startup; only the demo cast is new.
	alice := newAgent(ctx, notary, cfg, *baseURL, "Alice (poster)")
	bob := newAgent(ctx, notary, cfg, *baseURL, "Bob (worker)")

	fund(ctx, notary, alice.agentID, 200)
	fund(ctx, notary, bob.agentID, 50)

	task, err := alice.client.CreateTask(ctx, sdk.TaskDraft{
		TaskID:            "t-seed-summarizer",
		Title:             "Summarize the weekly changelog",
		Spec:              "Produce a 10-line summary of this week's changelog entries.",
		Reward:            100,
		BiddingDeadline:   time.Now().Add(1 * time.Hour),
		ExecutionDeadline: time.Now().Add(24 * time.Hour),
		ReviewDeadline:    time.Now().Add(48 * time.Hour),
	})
	if err != nil {
		log.Fatalf("Seed failed: create task: %v", err)
	}
	log.Printf("Task %s posted with escrow %s", task.TaskID, task.EscrowID)

	bid, err := bob.client.SubmitBid(ctx, task.TaskID, "I will deliver the summary within 12 hours.")
	if err != nil {
		log.Fatalf("Seed failed: submit bid: %v", err)
	}
	if _, err := alice.client.AcceptBid(ctx, task.TaskID, bid.BidID); err != nil {
		log.Fatalf("Seed failed: accept bid: %v", err)
	}
	log.Printf("Bid %s accepted; %s is on the hook", bid.BidID, bob.agentID)

	log.Println("Seed complete")
}

type seededAgent struct {
	agentID string
	client  *sdk.Client
}

func newAgent(ctx context.Context, notary *sdk.Client, cfg *config.Config, baseURL, name string) *seededAgent {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		log.Fatalf("Seed failed: generate key: %v", err)
	}
	encoded := cfg.Crypto.PublicKeyPrefix + base64.RawURLEncoding.EncodeToString(pub)

	agent, err := notary.Register(ctx, name, encoded)
	if err != nil {
		log.Fatalf("Seed failed: register %s: %v", name, err)
	}
	log.Printf("Registered %s as %s", name, agent.AgentID)

	signer := identity.NewSigner(agent.AgentID, cfg.Crypto.Algorithm, priv)
	return &seededAgent{
		agentID: agent.AgentID,
		client:  sdk.NewClient(sdk.Config{BaseURL: baseURL, Signer: signer}),
	}
}

func fund(ctx context.Context, notary *sdk.Client, agentID string, balance int64) {
	if _, err := notary.CreateAccount(ctx, agentID, balance); err != nil {
		log.Fatalf("Seed failed: create account for %s: %v", agentID, err)
	}
	log.Printf("Account %s funded with %d", agentID, balance)
}
