// Package state persists the small amount of bridge state that must
// survive a restart: dynamically registered OAuth clients. Credentials,
// hub state and sessions live in memory only.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var oauthClientBucket = []byte("oauth_clients")

// State wraps a bbolt database.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.provider-bridge/state.db.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(oauthClientBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveOAuthClient persists a registered OAuth client.
func (s *State) SaveOAuthClient(c models.OAuthClient) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return tx.Bucket(oauthClientBucket).Put([]byte(c.ClientID), data)
	})
}

// GetOAuthClient returns a registered client by ID, or nil if not found.
func (s *State) GetOAuthClient(clientID string) (*models.OAuthClient, error) {
	var c *models.OAuthClient

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(oauthClientBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		c = &models.OAuthClient{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// DeleteOAuthClient removes a registered OAuth client by ID.
func (s *State) DeleteOAuthClient(clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(oauthClientBucket).Delete([]byte(clientID))
	})
}

// AllOAuthClients returns all registered OAuth clients.
func (s *State) AllOAuthClients() ([]models.OAuthClient, error) {
	var clients []models.OAuthClient

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(oauthClientBucket).ForEach(func(_, v []byte) error {
			var c models.OAuthClient
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			clients = append(clients, c)

			return nil
		})
	})

	return clients, err
}

// OAuthClientCount returns the number of registered OAuth clients.
func (s *State) OAuthClientCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(oauthClientBucket).Stats().KeyN
		return nil
	})

	return count
}

// DefaultPath returns ~/.provider-bridge/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	return filepath.Join(dir, ".provider-bridge", "state.db"), nil
}
