/*
listd - Mailing list manager.
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package pending implements the store of actions awaiting confirmation by
// a user or a moderator.
//
// Each action is addressed by an opaque 40 hex character token. Tokens are
// single-use and expire after the configured lifetime.
//
// The store is a bbolt database opened for the duration of each operation.
// bbolt holds an exclusive file lock while the database is open, which
// serializes access from concurrently running runner processes.
package pending

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/foxcpp/listd/internal/switchboard"
	"go.etcd.io/bbolt"
)

type Kind string

const (
	Subscription   Kind = "subscription"
	Unsubscription Kind = "unsubscription"
	AddressChange  Kind = "address-change"
	HeldMessage    Kind = "held-message"
	ReEnable       Kind = "re-enable"
	Probe          Kind = "probe"
)

// DefaultLifetime of a pending action.
const DefaultLifetime = 3 * 24 * time.Hour

var ErrUnknownToken = errors.New("pending: unknown or expired token")

var bucketPending = []byte("pending")

type Record struct {
	Kind    Kind      `json:"kind"`
	List    string    `json:"list"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires"`

	// Address is the subject of the action: the (un)subscribing address,
	// the old address for AddressChange, the sender for HeldMessage.
	Address     string `json:"address,omitempty"`
	NewAddress  string `json:"new_address,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Digest      bool   `json:"digest,omitempty"`
	Lang        string `json:"lang,omitempty"`

	// Moderation is set for subscriptions that were confirmed by the user
	// and wait for the moderator.
	Moderation bool `json:"moderation,omitempty"`

	// Held message fields.
	Subject string                `json:"subject,omitempty"`
	Reason  string                `json:"reason,omitempty"`
	Message []byte                `json:"message,omitempty"`
	Meta    *switchboard.Metadata `json:"meta,omitempty"`
}

type Entry struct {
	Token  string
	Record *Record
}

type Store struct {
	path     string
	lifetime time.Duration

	// Timeout for waiting on the database lock.
	Timeout time.Duration
}

func New(path string, lifetime time.Duration) *Store {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Store{
		path:     path,
		lifetime: lifetime,
		Timeout:  10 * time.Second,
	}
}

func (s *Store) Lifetime() time.Duration {
	return s.lifetime
}

func (s *Store) open() (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: s.Timeout})
	if err != nil {
		return nil, fmt.Errorf("pending: open %s: %w", s.path, err)
	}
	return db, nil
}

func (s *Store) update(f func(b *bbolt.Bucket) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketPending)
		if err != nil {
			return err
		}
		return f(b)
	})
}

func (s *Store) view(f func(b *bbolt.Bucket) error) error {
	db, err := s.open()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPending)
		if b == nil {
			return nil
		}
		return f(b)
	})
}

func newToken(rec []byte, now time.Time) string {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		panic(err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now.UnixNano()))

	h := sha1.New()
	h.Write(rec)
	h.Write(ts[:])
	h.Write(salt[:])
	return hex.EncodeToString(h.Sum(nil))
}

// evict removes expired records. Must be called within an update.
func evict(b *bbolt.Bucket, now time.Time) error {
	var expired [][]byte
	err := b.ForEach(func(k, v []byte) error {
		rec := &Record{}
		if err := json.Unmarshal(v, rec); err != nil || now.After(rec.Expires) {
			expired = append(expired, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range expired {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Add stores the record and returns the new token. Expired records are
// evicted in the same transaction.
func (s *Store) Add(rec *Record) (string, error) {
	now := time.Now()
	rec.Created = now
	rec.Expires = now.Add(s.lifetime)

	val, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	var token string
	err = s.update(func(b *bbolt.Bucket) error {
		if err := evict(b, now); err != nil {
			return err
		}
		for {
			token = newToken(val, now)
			if b.Get([]byte(token)) == nil {
				break
			}
		}
		return b.Put([]byte(token), val)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func getRecord(b *bbolt.Bucket, token string, now time.Time) (*Record, error) {
	val := b.Get([]byte(token))
	if val == nil {
		return nil, ErrUnknownToken
	}
	rec := &Record{}
	if err := json.Unmarshal(val, rec); err != nil {
		return nil, fmt.Errorf("pending: %s: %w", token, err)
	}
	if now.After(rec.Expires) {
		return nil, ErrUnknownToken
	}
	return rec, nil
}

// Confirm removes the record and returns it. ErrUnknownToken is returned
// for unknown, already confirmed and expired tokens.
func (s *Store) Confirm(token string) (*Record, error) {
	var rec *Record
	err := s.update(func(b *bbolt.Bucket) error {
		var err error
		rec, err = getRecord(b, token, time.Now())
		if err != nil && !errors.Is(err, ErrUnknownToken) {
			return err
		}
		// Expired records are removed as well.
		return b.Delete([]byte(token))
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownToken
	}
	return rec, nil
}

// Peek returns the record without consuming the token.
func (s *Store) Peek(token string) (*Record, error) {
	var rec *Record
	err := s.view(func(b *bbolt.Bucket) error {
		var err error
		rec, err = getRecord(b, token, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUnknownToken
	}
	return rec, nil
}

// Entries returns records of the kind (all kinds if empty) for the list
// (all lists if empty), oldest first.
func (s *Store) Entries(kind Kind, list string) ([]Entry, error) {
	now := time.Now()
	var res []Entry
	err := s.view(func(b *bbolt.Bucket) error {
		return b.ForEach(func(k, v []byte) error {
			rec := &Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return nil
			}
			if now.After(rec.Expires) {
				return nil
			}
			if kind != "" && rec.Kind != kind {
				return nil
			}
			if list != "" && rec.List != list {
				return nil
			}
			res = append(res, Entry{Token: string(k), Record: rec})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Record.Created.Before(res[j].Record.Created)
	})
	return res, nil
}

// Evict removes expired records.
func (s *Store) Evict() error {
	return s.update(func(b *bbolt.Bucket) error {
		return evict(b, time.Now())
	})
}
