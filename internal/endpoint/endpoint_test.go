package endpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorAddr(t *testing.T) {
	assert.Equal(t, "example.com:22", Descriptor{Host: "example.com"}.Addr())
	assert.Equal(t, "[::1]:2222", Descriptor{Host: "::1", Port: 2222}.Addr())
	assert.Equal(t, "root@example.com:22", Descriptor{Host: "example.com", Username: "root"}.String())
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		d       Descriptor
		wantErr bool
	}{
		{"password ok", Descriptor{Host: "h", Username: "u", AuthMethod: AuthPassword, Password: "p"}, false},
		{"key ok", Descriptor{Host: "h", Username: "u", AuthMethod: AuthKey, PrivateKey: []byte("k")}, false},
		{"empty host", Descriptor{Username: "u", AuthMethod: AuthPassword, Password: "p"}, true},
		{"empty username", Descriptor{Host: "h", AuthMethod: AuthPassword, Password: "p"}, true},
		{"empty password", Descriptor{Host: "h", Username: "u", AuthMethod: AuthPassword}, true},
		{"key method without key", Descriptor{Host: "h", Username: "u", AuthMethod: AuthKey, Password: "p"}, true},
		{"unknown method", Descriptor{Host: "h", Username: "u", AuthMethod: "agent"}, true},
		{"bad port", Descriptor{Host: "h", Username: "u", Port: 70000, AuthMethod: AuthPassword, Password: "p"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.d.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	prev := database.DB
	database.DB = db
	t.Cleanup(func() {
		database.Close()
		database.DB = prev
	})
}

func TestResolvePassword(t *testing.T) {
	setupTestDB(t)

	enc, err := crypto.Encrypt("s3cret")
	require.NoError(t, err)
	rec := &database.Endpoint{Host: "h", Username: "u", AuthMethod: database.AuthMethodPassword, Password: enc}
	require.NoError(t, database.CreateEndpoint(rec))

	d, err := NewResolver().ResolveID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", d.Password)
	assert.Equal(t, AuthPassword, d.AuthMethod)
	assert.Equal(t, 22, d.Port)
	assert.NoError(t, d.Validate())
}

func TestResolveKeyExpandsHome(t *testing.T) {
	setupTestDB(t)
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "id_test"), []byte("PEM"), 0600))

	d, err := NewResolver().Resolve(&database.Endpoint{
		Host: "h", Username: "u", AuthMethod: database.AuthMethodKey, KeyPath: "~/id_test",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("PEM"), d.PrivateKey)
}

func TestResolveEmptyKeyPathYieldsInvalidDescriptor(t *testing.T) {
	setupTestDB(t)

	d, err := NewResolver().Resolve(&database.Endpoint{
		Host: "h", Username: "u", AuthMethod: database.AuthMethodKey,
	})
	require.NoError(t, err)
	assert.Empty(t, d.PrivateKey)
	assert.Error(t, d.Validate())
}

func TestResolveErrors(t *testing.T) {
	r := &Resolver{
		decrypt: func(string) (string, error) { return "", errors.New("bad token") },
		readKey: func(string) ([]byte, error) { return nil, os.ErrNotExist },
	}

	_, err := r.Resolve(&database.Endpoint{Host: "h", Username: "u", AuthMethod: database.AuthMethodKey, KeyPath: "/nope"})
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = r.Resolve(&database.Endpoint{Host: "h", Username: "u", AuthMethod: database.AuthMethodPassword, Password: "x"})
	assert.Error(t, err)
}

func TestResolveIDMissing(t *testing.T) {
	setupTestDB(t)
	_, err := NewResolver().ResolveID(999)
	assert.ErrorIs(t, err, database.ErrNotFound)
}
