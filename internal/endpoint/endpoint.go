// Package endpoint defines the resolved connection target handed to the
// session manager, and the resolver that builds it from a stored record.
package endpoint

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when a descriptor leaves Port unset.
const DefaultPort = 22

// AuthMethod selects how the transport authenticates.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// Descriptor is a fully resolved endpoint: secrets are in plaintext and the
// private key, if any, has already been read from disk. It is immutable for
// the lifetime of a session.
type Descriptor struct {
	Host       string     `json:"host"`
	Port       int        `json:"port,omitempty"`
	Username   string     `json:"username"`
	AuthMethod AuthMethod `json:"auth_method"`
	Password   string     `json:"password,omitempty"`
	PrivateKey []byte     `json:"private_key,omitempty"`
	Passphrase string     `json:"passphrase,omitempty"`
}

// Addr returns host:port, applying DefaultPort.
func (d Descriptor) Addr() string {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// String identifies the endpoint without any secret material.
func (d Descriptor) String() string {
	return d.Username + "@" + d.Addr()
}

// Validate reports descriptors that cannot possibly authenticate: missing
// host or username, or credentials inconsistent with the auth method.
func (d Descriptor) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Host) == "" {
		errs = append(errs, errors.New("host is empty"))
	}
	if strings.TrimSpace(d.Username) == "" {
		errs = append(errs, errors.New("username is empty"))
	}
	if d.Port < 0 || d.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", d.Port))
	}
	switch d.AuthMethod {
	case AuthPassword:
		if d.Password == "" {
			errs = append(errs, errors.New("password auth selected but no password given"))
		}
	case AuthKey:
		if len(d.PrivateKey) == 0 {
			errs = append(errs, errors.New("key auth selected but no private key given"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth method %q", d.AuthMethod))
	}
	return errors.Join(errs...)
}
