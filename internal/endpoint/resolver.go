package endpoint

import (
	"fmt"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
)

// Resolver turns stored endpoint records into Descriptors. Secret
// decryption and key-file reads happen here so the session manager never
// touches the store or the filesystem.
type Resolver struct {
	decrypt func(string) (string, error)
	readKey func(string) ([]byte, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		decrypt: crypto.Decrypt,
		readKey: sshkeys.ReadPrivateKey,
	}
}

// ResolveID loads the endpoint by id and resolves it.
func (r *Resolver) ResolveID(id uint) (Descriptor, error) {
	rec, err := database.GetEndpoint(id)
	if err != nil {
		return Descriptor{}, fmt.Errorf("load endpoint %d: %w", id, err)
	}
	return r.Resolve(rec)
}

// Resolve builds a Descriptor from rec. An empty key path resolves to an
// empty key; an unreadable key file is an error.
func (r *Resolver) Resolve(rec *database.Endpoint) (Descriptor, error) {
	d := Descriptor{
		Host:       rec.Host,
		Port:       rec.Port,
		Username:   rec.Username,
		AuthMethod: AuthMethod(rec.AuthMethod),
	}

	switch d.AuthMethod {
	case AuthKey:
		key, err := r.readKey(rec.KeyPath)
		if err != nil {
			return Descriptor{}, err
		}
		d.PrivateKey = key
		if d.Passphrase, err = r.decrypt(rec.KeyPassphrase); err != nil {
			return Descriptor{}, fmt.Errorf("decrypt key passphrase: %w", err)
		}
	default:
		pw, err := r.decrypt(rec.Password)
		if err != nil {
			return Descriptor{}, fmt.Errorf("decrypt password: %w", err)
		}
		d.Password = pw
	}
	return d, nil
}
