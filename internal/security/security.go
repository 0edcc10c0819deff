// Package security defines the abstraction the core calls out to for
// pool-access decisions and memory-block cryptography. The cryptographic
// implementation is explicitly out of scope (spec.md design notes, §310):
// Default approves every operation while preserving the interface shape, so
// Pool Manager and Memory Manager can be written against Interface from day
// one and a real implementation can be dropped in later without touching
// either caller.
package security

import "context"

// Interface is consulted by the Pool Manager for encrypted-pool creation
// and access checks, and by the Memory Manager to encrypt writes to and
// decrypt reads from encrypted blocks. Nothing in the daemon calls
// RotateKey.
type Interface interface {
	// CheckPoolAccess authorizes appID to perform op (one of the
	// domain.Perm* constants) against an encrypted pool. Unencrypted pools
	// never call this; their access check is the plain policy map.
	CheckPoolAccess(ctx context.Context, appID, pool, op string) (bool, error)

	// PrepareEncryptedPool is called once when a pool is created with
	// Encrypted=true, giving the implementation a chance to provision or
	// fetch key material before the pool accepts members.
	PrepareEncryptedPool(ctx context.Context, pool string) error

	// Encrypt transforms plaintext for storage in an encrypted memory block.
	Encrypt(ctx context.Context, pool string, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt for reads of an encrypted block. CAS
	// compares and writes raw block bytes and does not call it.
	Decrypt(ctx context.Context, pool string, ciphertext []byte) ([]byte, error)

	// RotateKey replaces the active key material for pool. Implementations
	// that don't support rotation may return nil unconditionally.
	RotateKey(ctx context.Context, pool string) error
}

// Default approves every CheckPoolAccess call and treats Encrypt/Decrypt as
// the identity transform, so encrypted pools behave like ordinary ones until
// a real Interface is wired in. It satisfies Interface in full.
type Default struct{}

// New returns the all-approving stub implementation.
func New() Interface { return Default{} }

func (Default) CheckPoolAccess(ctx context.Context, appID, pool, op string) (bool, error) {
	return true, nil
}

func (Default) PrepareEncryptedPool(ctx context.Context, pool string) error {
	return nil
}

func (Default) Encrypt(ctx context.Context, pool string, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

func (Default) Decrypt(ctx context.Context, pool string, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

func (Default) RotateKey(ctx context.Context, pool string) error {
	return nil
}
