package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.relay-chat/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	tokenKey    = []byte("token")
	roomsBucket = []byte("rooms")
)

// ackBucket holds the acknowledged message ids of one room, keyed by
// insertion sequence so the oldest entry is always first.
func ackBucket(roomID int64) []byte {
	return []byte("room:" + strconv.FormatInt(roomID, 10) + ":acks")
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

func idKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
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

		_, err := tx.CreateBucketIfNotExists(roomsBucket)

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

// Token returns the cached bearer credential, or empty string.
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

// SetToken persists the bearer credential. An empty token removes it.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if token == "" {
			return b.Delete(tokenKey)
		}

		return b.Put(tokenKey, []byte(token))
	})
}

// RoomFor returns the cached room id for a counterparty.
func (s *State) RoomFor(userID int64) (int64, bool) {
	var (
		roomID int64
		ok     bool
	)

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get(idKey(userID))
		if v == nil {
			return nil
		}

		id, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return nil
		}

		roomID, ok = id, true

		return nil
	})

	return roomID, ok
}

// SetRoom caches the room id for a counterparty.
func (s *State) SetRoom(userID, roomID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put(idKey(userID), idKey(roomID))
	})
}

// AckedIDs returns the acknowledged message ids of a room, oldest first.
func (s *State) AckedIDs(roomID int64) ([]int64, error) {
	var ids []int64

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(ackBucket(roomID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			id, err := strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt ack entry %q: %w", v, err)
			}

			ids = append(ids, id)

			return nil
		})
	})

	return ids, err
}

// RecordAcks appends ids to the room's acknowledged set in one
// transaction and evicts the oldest entries beyond limit. Ids already
// in the set are skipped.
func (s *State) RecordAcks(roomID int64, ids []int64, limit int) error {
	if len(ids) == 0 {
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(ackBucket(roomID))
		if err != nil {
			return err
		}

		have := make(map[string]struct{})
		c := b.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			have[string(v)] = struct{}{}
		}

		n := len(have)

		for _, id := range ids {
			want := idKey(id)
			if _, ok := have[string(want)]; ok {
				continue
			}

			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			if err := b.Put(itob(seq), want); err != nil {
				return err
			}

			have[string(want)] = struct{}{}
			n++
		}

		var evict [][]byte

		c = b.Cursor()
		for k, _ := c.First(); k != nil && limit > 0 && n-len(evict) > limit; k, _ = c.Next() {
			evict = append(evict, append([]byte(nil), k...))
		}

		for _, k := range evict {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// ForgetRoom drops the acknowledged set of a room.
func (s *State) ForgetRoom(roomID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(ackBucket(roomID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}

		return err
	})
}
