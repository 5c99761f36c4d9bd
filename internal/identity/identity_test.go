package identity

import (
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestGenerate_LoadFilesRoundTrip(t *testing.T) {
	t.Parallel()

	id, keys, err := Generate("alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	dir := t.TempDir()
	pub := filepath.Join(dir, "alice.publickey")
	priv := filepath.Join(dir, "alice.privatekey")
	if err := keys.WriteFiles(pub, priv); err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	if err := keys.WriteFiles(pub, priv); err == nil {
		t.Fatalf("expected refusal to overwrite keys")
	}

	loaded, err := LoadFiles("alice", pub, priv)
	if err != nil {
		t.Fatalf("LoadFiles: %v", err)
	}
	if loaded.Fingerprint != id.Fingerprint {
		t.Fatalf("fingerprint=%s want %s", loaded.Fingerprint, id.Fingerprint)
	}
	if len(loaded.Fingerprint) != 2*fingerprintLen {
		t.Fatalf("fingerprint len=%d", len(loaded.Fingerprint))
	}
	if !strings.HasPrefix(loaded.AuthorizedKey(), "ssh-ed25519 ") {
		t.Fatalf("authorized key=%q", loaded.AuthorizedKey())
	}
}

func TestParse_MismatchedPair(t *testing.T) {
	t.Parallel()

	_, a, err := Generate("a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	_, b, err := Generate("b")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := Parse("a", a.PublicKey, b.PrivateKey); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestSignVerify(t *testing.T) {
	t.Parallel()

	id, _, err := Generate("alice")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sig, err := id.Sign([]byte("GET /v1/account"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(id.AuthorizedKey()))
	if err != nil {
		t.Fatalf("ParseAuthorizedKey: %v", err)
	}
	if err := pub.Verify([]byte("GET /v1/account"), sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := pub.Verify([]byte("GET /v1/vessels"), sig); err == nil {
		t.Fatalf("expected verify failure on different payload")
	}
}
