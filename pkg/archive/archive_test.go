package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fileArchive(t *testing.T, sealer *Sealer) (*Archive, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	return New(backend, sealer), dir
}

func TestPutGetRoundtrip(t *testing.T) {
	a, _ := fileArchive(t, nil)
	ctx := context.Background()
	payload := []byte(`{"alert_name":"Malware Detected","host":"web-01"}`)

	addr, err := a.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	sum := sha256.Sum256(payload)
	want := "sha256:" + hex.EncodeToString(sum[:])
	if addr != want {
		t.Errorf("addr = %s, want %s", addr, want)
	}

	got, err := a.Get(ctx, addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("roundtrip mismatch")
	}

	ok, err := a.Exists(ctx, addr)
	if err != nil || !ok {
		t.Errorf("Exists = %v/%v, want true", ok, err)
	}
	if err := a.Delete(ctx, addr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := a.Exists(ctx, addr); ok {
		t.Error("blob still exists after Delete")
	}
}

func TestPutIsIdempotent(t *testing.T) {
	a, dir := fileArchive(t, nil)
	ctx := context.Background()
	payload := []byte("same bytes")

	addr1, err := a.Put(ctx, payload)
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	addr2, err := a.Put(ctx, payload)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if addr1 != addr2 {
		t.Errorf("addresses differ: %s vs %s", addr1, addr2)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("dir holds %d files, want 1", len(entries))
	}
}

func TestInvalidAddress(t *testing.T) {
	a, _ := fileArchive(t, nil)
	for _, addr := range []string{"", "sha256:short", "md5:" + strings.Repeat("a", 64), "sha256:" + strings.Repeat("z", 64)} {
		if _, err := a.Get(context.Background(), addr); err == nil {
			t.Errorf("Get(%q) should fail", addr)
		}
	}
}

func TestSealedRoundtrip(t *testing.T) {
	sealer, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	a, dir := fileArchive(t, sealer)
	ctx := context.Background()
	payload := []byte("raw vendor alert payload")

	addr, err := a.Put(ctx, payload)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// The on-disk blob must not contain the plaintext.
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ReadDir = %v entries, err %v", len(entries), err)
	}
	onDisk, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.Contains(onDisk, payload) {
		t.Error("sealed blob contains plaintext")
	}

	got, err := a.Get(ctx, addr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("sealed roundtrip mismatch")
	}
}

func TestSealIsDeterministic(t *testing.T) {
	sealer, err := NewSealer(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	c1, err := sealer.Seal("abc123", []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	c2, err := sealer.Seal("abc123", []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !bytes.Equal(c1, c2) {
		t.Error("sealing the same content twice must produce identical ciphertext")
	}
	cOther, err := sealer.Seal("def456", []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(c1, cOther) {
		t.Error("different content hashes must produce different ciphertext")
	}
}

func TestWrongKeyFailsToOpen(t *testing.T) {
	s1, _ := NewSealer(bytes.Repeat([]byte{1}, 32))
	s2, _ := NewSealer(bytes.Repeat([]byte{2}, 32))
	sealed, err := s1.Seal("abc", []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s2.Open("abc", sealed); err == nil {
		t.Fatal("opening with the wrong key must fail")
	}
}

func TestParseSealKey(t *testing.T) {
	if _, err := ParseSealKey(strings.Repeat("ab", 32)); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
	if _, err := ParseSealKey("not hex"); err == nil {
		t.Error("non-hex key accepted")
	}
	if _, err := ParseSealKey("abcd"); err == nil {
		t.Error("short key accepted")
	}
}
