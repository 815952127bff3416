package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages  = []byte("messages")
	bucketAnnounces = []byte("announces")
)

// BoltStore persists messages and announces in a bbolt database, one bucket
// per record kind, the same layout the teacher's store/bolt.go uses for
// configs (one bucket per "kind", keyed by name).
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt database at path and
// ensures both buckets exist.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{NoFreelistSync: true})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(bucketAnnounces)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) InsertMessage(m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).Put([]byte(m.ID), body)
	})
}

func (s *BoltStore) GetMessage(id string) (*Message, bool, error) {
	var (
		m     Message
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get([]byte(id))
		if v == nil {
			return nil
		}

		found = true

		return json.Unmarshal(v, &m)
	})
	if err != nil {
		return nil, false, fmt.Errorf("getting message %s: %w", id, err)
	}

	if !found {
		return nil, false, nil
	}

	return &m, true, nil
}

func (s *BoltStore) ListMessages(limit int, beforeTS int64) ([]Message, error) {
	var all []Message

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			if beforeTS == 0 || m.TimestampMS < beforeTS {
				all = append(all, m)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].TimestampMS > all[j].TimestampMS })

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	return all, nil
}

func (s *BoltStore) UpdateReceiptStatus(id, status string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("message %s does not exist", id)
		}

		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("unmarshaling message %s: %w", id, err)
		}

		m.ReceiptStatus = status

		body, err := json.Marshal(&m)
		if err != nil {
			return fmt.Errorf("marshaling message %s: %w", id, err)
		}

		return b.Put([]byte(id), body)
	})
}

func (s *BoltStore) CountMessageBuckets() (map[string]int, error) {
	counts := make(map[string]int)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			counts[bucketForStatus(m.ReceiptStatus)]++

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("counting message buckets: %w", err)
	}

	return counts, nil
}

func (s *BoltStore) InsertAnnounce(a *Announce) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling announce: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAnnounces).Put(announceKey(a), body)
	})
}

func (s *BoltStore) ListAnnounces(limit int, beforeTS int64, beforeID string) ([]Announce, error) {
	var all []Announce

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAnnounces).ForEach(func(_, v []byte) error {
			var a Announce
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}

			if beforeTS == 0 || a.TimestampMS < beforeTS || (a.TimestampMS == beforeTS && a.ID < beforeID) {
				all = append(all, a)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing announces: %w", err)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].TimestampMS != all[j].TimestampMS {
			return all[i].TimestampMS > all[j].TimestampMS
		}

		return all[i].ID > all[j].ID
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	return all, nil
}

// announceKey sorts lexically the same order the in-memory list uses
// (timestamp desc, id desc) isn't representable with a plain bbolt key
// ordering (which is ascending byte order), so the key here only needs to
// be unique; ForEach + an in-process sort above produces the final order.
func announceKey(a *Announce) []byte {
	key := make([]byte, 8+len(a.ID))
	binary.BigEndian.PutUint64(key[:8], uint64(a.TimestampMS))
	copy(key[8:], a.ID)
	return key
}
