// Package identity supplies the device and user ids that participation is
// attributed to.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kalambet/scene/internal/activity"
)

// DeviceIDFile is the name of the durable key file under the data directory.
const DeviceIDFile = "device_id"

// Provider returns the identity of whoever is using this process.
type Provider interface {
	DeviceID() (string, error)
	UserID() (string, bool)
}

// Authenticator reports the signed-in user, if any.
type Authenticator interface {
	CurrentUser() (string, bool)
}

// StaticUser is an Authenticator backed by a fixed id. An empty id means
// signed out.
type StaticUser string

func (u StaticUser) CurrentUser() (string, bool) {
	id := strings.TrimSpace(string(u))
	return id, id != ""
}

// Local persists an anonymous device id in a file and asks an
// Authenticator for the user id.
type Local struct {
	path string
	auth Authenticator

	mu       sync.Mutex
	deviceID string
}

var _ Provider = (*Local)(nil)

// NewLocal creates a provider whose device id lives in dataDir. auth may be nil.
func NewLocal(dataDir string, auth Authenticator) *Local {
	return &Local{
		path: filepath.Join(dataDir, DeviceIDFile),
		auth: auth,
	}
}

// DeviceID returns the persisted device id, generating and storing one on
// first use. Later calls return the cached value.
func (l *Local) DeviceID() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.deviceID != "" {
		return l.deviceID, nil
	}

	data, err := os.ReadFile(l.path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			l.deviceID = id
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("reading device id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return "", fmt.Errorf("creating device id directory: %w", err)
	}
	if err := os.WriteFile(l.path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing device id: %w", err)
	}
	l.deviceID = id
	return id, nil
}

// UserID returns the signed-in user id, or false when signed out.
func (l *Local) UserID() (string, bool) {
	if l.auth == nil {
		return "", false
	}
	return l.auth.CurrentUser()
}

// Current combines both ids into a store filter identity.
func Current(p Provider) (activity.Identity, error) {
	dev, err := p.DeviceID()
	if err != nil {
		return activity.Identity{}, err
	}
	uid, _ := p.UserID()
	return activity.Identity{DeviceID: dev, UserID: uid}, nil
}
