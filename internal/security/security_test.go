package security

import (
	"context"
	"testing"
)

func TestDefaultApprovesEverything(t *testing.T) {
	ctx := context.Background()
	sec := New()

	ok, err := sec.CheckPoolAccess(ctx, "worker-1", "encrypted-pool", "write")
	if err != nil || !ok {
		t.Fatalf("expected default stub to approve, got ok=%v err=%v", ok, err)
	}

	if err := sec.PrepareEncryptedPool(ctx, "encrypted-pool"); err != nil {
		t.Fatalf("PrepareEncryptedPool: %v", err)
	}

	plain := []byte("hello")
	cipher, err := sec.Encrypt(ctx, "encrypted-pool", plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	round, err := sec.Decrypt(ctx, "encrypted-pool", cipher)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(round) != string(plain) {
		t.Fatalf("expected identity round trip, got %q", round)
	}

	if err := sec.RotateKey(ctx, "encrypted-pool"); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
}
