// Package archive retains raw alert payloads in content-addressed
// storage so any triage verdict can be traced back to the exact bytes
// the pipeline received. Blobs are keyed by the SHA-256 of the
// plaintext ("sha256:<hex>"), which makes Put idempotent under the
// at-least-once delivery of the bus. An optional sealer encrypts blobs
// at rest without changing their address.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Backend stores opaque blobs under caller-chosen keys. The Archive
// wrapper owns addressing and sealing; backends just move bytes.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Archive is the content-addressed store over a Backend.
type Archive struct {
	backend Backend
	sealer  *Sealer
}

// New wraps a backend. A nil sealer stores blobs in plaintext.
func New(backend Backend, sealer *Sealer) *Archive {
	return &Archive{backend: backend, sealer: sealer}
}

// Put stores data and returns its content address. Storing the same
// bytes twice writes once.
func (a *Archive) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hashStr := hex.EncodeToString(sum[:])
	addr := "sha256:" + hashStr

	key := hashStr + ".blob"
	ok, err := a.backend.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("archive: check %s: %w", addr, err)
	}
	if ok {
		return addr, nil
	}

	blob := data
	if a.sealer != nil {
		blob, err = a.sealer.Seal(hashStr, data)
		if err != nil {
			return "", fmt.Errorf("archive: seal %s: %w", addr, err)
		}
	}
	if err := a.backend.Put(ctx, key, blob); err != nil {
		return "", fmt.Errorf("archive: put %s: %w", addr, err)
	}
	return addr, nil
}

// Get retrieves and, if sealed, decrypts the blob at addr, then checks
// the plaintext still matches its address.
func (a *Archive) Get(ctx context.Context, addr string) ([]byte, error) {
	hashStr, err := parseAddr(addr)
	if err != nil {
		return nil, err
	}
	blob, err := a.backend.Get(ctx, hashStr+".blob")
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", addr, err)
	}
	data := blob
	if a.sealer != nil {
		data, err = a.sealer.Open(hashStr, blob)
		if err != nil {
			return nil, fmt.Errorf("archive: unseal %s: %w", addr, err)
		}
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hashStr {
		return nil, fmt.Errorf("archive: content of %s does not match its address", addr)
	}
	return data, nil
}

// Exists reports whether a blob is stored at addr.
func (a *Archive) Exists(ctx context.Context, addr string) (bool, error) {
	hashStr, err := parseAddr(addr)
	if err != nil {
		return false, err
	}
	return a.backend.Exists(ctx, hashStr+".blob")
}

// Delete removes the blob at addr, if present.
func (a *Archive) Delete(ctx context.Context, addr string) error {
	hashStr, err := parseAddr(addr)
	if err != nil {
		return err
	}
	return a.backend.Delete(ctx, hashStr+".blob")
}

func parseAddr(addr string) (string, error) {
	hashStr, ok := strings.CutPrefix(addr, "sha256:")
	if !ok || len(hashStr) != sha256.Size*2 {
		return "", fmt.Errorf("archive: invalid address %q", addr)
	}
	if _, err := hex.DecodeString(hashStr); err != nil {
		return "", fmt.Errorf("archive: invalid address %q: %w", addr, err)
	}
	return hashStr, nil
}
