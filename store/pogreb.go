package store

import (
	"encoding/binary"
	"io"
	"log"
	"sync"
	"time"

	"github.com/akrylysov/pogreb"
)

// PogrebStore is a persistent key/value store backed by Pogreb, used for
// the node's identity (identity.key) and hosted-service keys
// (service_keys/) so they survive a restart.
//
// Adapted from PeernetOfficial-core's store/Pogreb.go: unlike the
// teacher's warehouse use (permanent file blobs, no expiry), every
// record here is prefixed with an 8-byte little-endian Unix-nano
// expiration (0 = never), so any entry can carry a TTL.
type PogrebStore struct {
	mutex sync.Mutex
	db    *pogreb.DB
}

// NewPogrebStore opens (or creates) a Pogreb database at filename.
func NewPogrebStore(filename string) (*PogrebStore, error) {
	pogreb.SetLogger(log.New(io.Discard, "", 0))

	db, err := pogreb.Open(filename, nil)
	if err != nil {
		return nil, err
	}
	return &PogrebStore{db: db}, nil
}

func encodeExpiring(expiration time.Time, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	if !expiration.IsZero() {
		binary.LittleEndian.PutUint64(buf[:8], uint64(expiration.UnixNano()))
	}
	copy(buf[8:], data)
	return buf
}

func decodeExpiring(raw []byte) (expiration time.Time, data []byte, ok bool) {
	if len(raw) < 8 {
		return time.Time{}, nil, false
	}
	nanos := binary.LittleEndian.Uint64(raw[:8])
	if nanos != 0 {
		expiration = time.Unix(0, int64(nanos))
	}
	return expiration, raw[8:], true
}

func (s *PogrebStore) Set(key []byte, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db.Put(key, encodeExpiring(time.Time{}, data))
}

func (s *PogrebStore) SetExpire(key []byte, data []byte, expiration time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db.Put(key, encodeExpiring(expiration, data))
}

func (s *PogrebStore) Get(key []byte) (data []byte, found bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	raw, err := s.db.Get(key)
	if err != nil || raw == nil {
		return nil, false
	}
	expiration, value, ok := decodeExpiring(raw)
	if !ok {
		return nil, false
	}
	if !expiration.IsZero() && time.Now().After(expiration) {
		_ = s.db.Delete(key)
		return nil, false
	}
	return value, true
}

func (s *PogrebStore) Delete(key []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_ = s.db.Delete(key)
}

func (s *PogrebStore) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return int(s.db.Count())
}

// ExpireKeys scans the whole database and deletes expired entries.
// Pogreb has no range index, so this is a full iteration; it is meant to
// run on a slow periodic timer, never on the hot path.
func (s *PogrebStore) ExpireKeys() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	it := s.db.Items()
	var toDelete [][]byte
	for {
		key, raw, err := it.Next()
		if err != nil {
			break
		}
		if expiration, _, ok := decodeExpiring(raw); ok && !expiration.IsZero() && now.After(expiration) {
			k := make([]byte, len(key))
			copy(k, key)
			toDelete = append(toDelete, k)
		}
	}
	for _, k := range toDelete {
		_ = s.db.Delete(k)
	}
}

func (s *PogrebStore) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.db.Close()
}
