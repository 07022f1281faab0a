package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "id_ed25519"
	publicKeyFile  = "id_ed25519.pub"
)

// maxKeyFileSize guards against pointing a key path at something huge.
const maxKeyFileSize = 1 << 20

// ErrPassphraseRequired is returned by ParseSigner when the key is encrypted
// and no passphrase was supplied.
var ErrPassphraseRequired = errors.New("private key is passphrase protected")

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// SaveKeyPair writes the private and public key files to dir and returns the
// private key path. The private key is written with mode 0600.
func SaveKeyPair(dir string, privateKey, publicKey []byte) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	if _, err := os.Stat(privPath); err == nil {
		return "", fmt.Errorf("refusing to overwrite existing key %s", privPath)
	}
	if err := os.WriteFile(privPath, privateKey, 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}

	pubPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(pubPath, publicKey, 0644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return privPath, nil
}

// ExpandPath resolves a leading "~" to the current user's home directory.
// Other paths are returned cleaned but otherwise unchanged.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return filepath.Clean(path), nil
}

// ReadPrivateKey expands path and reads the key file. An empty path returns
// nil bytes and no error; deciding whether a key is required is the caller's
// business.
func ReadPrivateKey(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	full, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("read private key: %s is a directory", full)
	}
	if info.Size() > maxKeyFileSize {
		return nil, fmt.Errorf("read private key: %s is too large (%d bytes)", full, info.Size())
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return data, nil
}

// ParseSigner parses PEM key bytes into an ssh.Signer, decrypting with
// passphrase when one is given.
func ParseSigner(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}
