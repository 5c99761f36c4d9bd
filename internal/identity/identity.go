// Package identity derives the controller's credential from an SSH key pair.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ssh"
)

// fingerprintLen is the number of hash bytes kept in a fingerprint.
const fingerprintLen = 16

// Identity is the read-only credential presented on every allocator call.
type Identity struct {
	Username    string
	Fingerprint string

	publicKey ssh.PublicKey
	signer    ssh.Signer
}

// LoadFiles reads an authorized-keys style public key and an OpenSSH
// private key and checks that they form a pair.
func LoadFiles(username, publicKeyPath, privateKeyPath string) (*Identity, error) {
	pubData, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	privData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return Parse(username, pubData, privData)
}

// Parse builds an Identity from in-memory key material.
func Parse(username string, publicKey, privateKey []byte) (*Identity, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		return nil, fmt.Errorf("public and private key for %q do not match", username)
	}
	return &Identity{
		Username:    username,
		Fingerprint: Fingerprint(pub),
		publicKey:   pub,
		signer:      signer,
	}, nil
}

// Fingerprint hashes the wire form of a public key.
func Fingerprint(pub ssh.PublicKey) string {
	sum := blake3.Sum256(pub.Marshal())
	return hex.EncodeToString(sum[:fingerprintLen])
}

// AuthorizedKey returns the public key in authorized-keys form without
// the trailing newline.
func (id *Identity) AuthorizedKey() string {
	line := ssh.MarshalAuthorizedKey(id.publicKey)
	return string(bytes.TrimRight(line, "\n"))
}

// Sign signs data with the private key.
func (id *Identity) Sign(data []byte) (*ssh.Signature, error) {
	return id.signer.Sign(rand.Reader, data)
}

// KeyPair is encoded key material as written to disk.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// Generate creates a fresh ed25519 identity.
func Generate(username string) (*Identity, KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, KeyPair{}, err
	}
	block, err := ssh.MarshalPrivateKey(priv, username)
	if err != nil {
		return nil, KeyPair{}, err
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, KeyPair{}, err
	}
	keys := KeyPair{
		PublicKey:  ssh.MarshalAuthorizedKey(signer.PublicKey()),
		PrivateKey: pem.EncodeToMemory(block),
	}
	id, err := Parse(username, keys.PublicKey, keys.PrivateKey)
	if err != nil {
		return nil, KeyPair{}, err
	}
	return id, keys, nil
}

// WriteFiles stores a key pair, refusing to overwrite existing keys.
func (k KeyPair) WriteFiles(publicKeyPath, privateKeyPath string) error {
	for _, path := range []string{publicKeyPath, privateKeyPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.WriteFile(privateKeyPath, k.PrivateKey, 0o600); err != nil {
		return err
	}
	return os.WriteFile(publicKeyPath, k.PublicKey, 0o644)
}
