package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chat-sync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket           = []byte("app")
	tokenKey            = []byte("token")
	conversationsBucket = []byte("conversations")
)

// LastConversation records the conversation a local user had open most
// recently, so the next session can reopen it.
type LastConversation struct {
	RecipientID string    `json:"recipient_id"`
	OpenedAt    time.Time `json:"opened_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.chat-sync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(dir, ".chat-sync", "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(conversationsBucket)

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

// Token returns the cached API token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the API token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// LastConversation returns the conversation userID had open most
// recently, or nil if none was recorded.
func (s *State) LastConversation(userID string) (*LastConversation, error) {
	var lc *LastConversation

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(userID))
		if v == nil {
			return nil
		}

		lc = &LastConversation{}

		return json.Unmarshal(v, lc)
	})
	if err != nil {
		return nil, fmt.Errorf("reading last conversation for %s: %w", userID, err)
	}

	return lc, nil
}

// SetLastConversation records recipientID as userID's open conversation.
func (s *State) SetLastConversation(userID, recipientID string, openedAt time.Time) error {
	if userID == "" || recipientID == "" {
		return fmt.Errorf("user and recipient are required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(LastConversation{
			RecipientID: recipientID,
			OpenedAt:    openedAt.UTC(),
		})
		if err != nil {
			return err
		}

		return tx.Bucket(conversationsBucket).Put([]byte(userID), data)
	})
}

// ClearLastConversation forgets userID's last conversation.
func (s *State) ClearLastConversation(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Delete([]byte(userID))
	})
}
