package storage

import (
	"context"
	"testing"
	"time"
)

func TestPruneAppliedReleasesOldClaims(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	claimed, err := store.MarkApplied(ctx, "beta.example.org", "msg-1")
	if err != nil || !claimed {
		t.Fatalf("first claim failed: claimed=%v err=%v", claimed, err)
	}

	// A cutoff before the claim leaves it in place.
	if err := store.PruneApplied(ctx, time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	claimed, err = store.MarkApplied(ctx, "beta.example.org", "msg-1")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if claimed {
		t.Error("recent claim must survive a prune with an older cutoff")
	}

	// A cutoff past the claim drops it, so the key can be claimed again.
	if err := store.PruneApplied(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	claimed, err = store.MarkApplied(ctx, "beta.example.org", "msg-1")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !claimed {
		t.Error("pruned claim should be claimable again")
	}
}
