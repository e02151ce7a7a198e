// Package auth implements room admission: a first-writer-wins passphrase
// authenticator, plus an optional JWKS-backed bearer-JWT validator for
// deployments fronted by an identity provider.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnauthorized means no passphrase was supplied on an endpoint that requires one.
	ErrUnauthorized = errors.New("passphrase required")
	// ErrForbidden means the supplied passphrase does not match the room's record.
	ErrForbidden = errors.New("passphrase mismatch")
)

// Record holds a room's passphrase digest. The digest is set exactly once,
// by the first successful admission, and is immutable thereafter.
type Record struct {
	mu        sync.Mutex
	digest    [sha256.Size]byte
	set       bool
	createdAt time.Time
	salt      string
}

// NewRecord creates an empty passphrase record. The salt (the room id) is
// mixed into the digest so equal passphrases in different rooms produce
// different digests.
func NewRecord(salt string) *Record {
	return &Record{salt: salt}
}

func (r *Record) sum(passphrase string) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(r.salt))
	h.Write([]byte{0})
	h.Write([]byte(passphrase))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Validate admits or rejects a passphrase. The first non-empty passphrase
// presented to a fresh record becomes the room's passphrase.
func (r *Record) Validate(passphrase string) error {
	if passphrase == "" {
		return ErrUnauthorized
	}

	digest := r.sum(passphrase)

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.set {
		r.digest = digest
		r.set = true
		r.createdAt = time.Now()
		return nil
	}

	if subtle.ConstantTimeCompare(r.digest[:], digest[:]) != 1 {
		return ErrForbidden
	}
	return nil
}

// IsSet reports whether a passphrase has been established for the room.
func (r *Record) IsSet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set
}

// CreatedAt returns when the passphrase was first set, or the zero time.
func (r *Record) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

// ExtractPassphrase pulls the passphrase from an HTTP request. A bearer-style
// Authorization header takes priority over the ?passphrase= query parameter.
func ExtractPassphrase(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("passphrase")
}
