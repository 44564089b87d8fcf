package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"helpmesh.org/internal/match"
)

// Exercises the full assignment lifecycle against the in-memory engine.
// Useful as a quick self-check after changes to the matching rules.
func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc := match.NewInMemory()

	sender, err := svc.CreateUser(ctx, match.User{ID: "smoke-sender", Name: "Sender", Level: "Star", IsActivated: true})
	if err != nil {
		log.Fatalf("create sender: %v", err)
	}
	receiver, err := svc.CreateUser(ctx, match.User{ID: "smoke-receiver", Name: "Receiver", Level: "Star", IsActivated: true})
	if err != nil {
		log.Fatalf("create receiver: %v", err)
	}

	a, err := svc.Assign(ctx, sender.ID, "smoke-key")
	if err != nil {
		log.Fatalf("assign: %v", err)
	}
	if a.ReceiverID != receiver.ID || a.Amount != match.AmountForLevel(match.LevelStar) {
		log.Fatalf("unexpected assignment: %+v", a)
	}

	replay, err := svc.Assign(ctx, sender.ID, "smoke-key")
	if err != nil || replay.ID != a.ID {
		log.Fatalf("idempotent replay failed: %v (%s != %s)", err, replay.ID, a.ID)
	}

	if _, err := svc.RequestPayment(ctx, a.ID, receiver.ID); err != nil {
		log.Fatalf("request payment: %v", err)
	}
	if _, err := svc.SubmitPayment(ctx, a.ID, sender.ID, match.PaymentProof{UTR: "SMOKE123456", Method: "upi"}); err != nil {
		log.Fatalf("submit payment: %v", err)
	}
	final, err := svc.ResolvePayment(ctx, a.ID, receiver.ID, match.ResolveConfirm, "")
	if err != nil {
		log.Fatalf("confirm: %v", err)
	}
	if final.Status != match.StatusConfirmed || !final.SlotReleased {
		log.Fatalf("unexpected final state: %+v", final)
	}

	got, err := svc.GetUser(ctx, receiver.ID)
	if err != nil {
		log.Fatalf("get receiver: %v", err)
	}
	if got.ActiveReceiveCount != 0 {
		log.Fatalf("slot not released: count=%d", got.ActiveReceiveCount)
	}

	fmt.Printf("✅ match smoke test passed: assignment=%s\n", a.ID)
}
