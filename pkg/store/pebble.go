// Package store persists identities, conversations and messages in Pebble.
// Documents are JSON values under prefix-structured keys; secondary indexes
// (alias, membership, expiry) are maintained in the same batch as the
// document write so readers never observe a half-applied mutation.
package store

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/cockroachdb/pebble"

	"personadb/pkg/apperr"
	"personadb/pkg/logger"
	"personadb/pkg/security"
)

// Key namespaces. Identity and alias keys are user-scoped; message keys are
// conversation-scoped and sort by message id (timestamp-sequence).
//
//	ident:<user>:<identityID>            identity document
//	alias:<user>:<lcalias>               alias index -> identity id (live rows only)
//	conv:<convID>:meta                   conversation document
//	conv:<convID>:part:<user>            participant document
//	uconv:<user>:<convID>                membership index -> identity id
//	msg:<convID>:<msgID>                 message document
//	version:msg:<msgID>:<ts>             append-only message version
//	expidx:<deadline>:<convID>:<msgID>   expiry index (zero-padded ns deadline)
//	audit:<ts>:<auditID>                 audit record
const (
	identPrefix   = "ident:"
	aliasPrefix   = "alias:"
	convPrefix    = "conv:"
	uconvPrefix   = "uconv:"
	msgPrefix     = "msg:"
	versionPrefix = "version:msg:"
	expiryPrefix  = "expidx:"
	auditPrefix   = "audit:"
)

const lockStripes = 64

// Store is the Pebble-backed document store.
type Store struct {
	db        *pebble.DB
	keyring   *security.Keyring // nil when encryption is disabled
	locks     [lockStripes]sync.Mutex
	convLocks [lockStripes]sync.Mutex
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	logger.Info("store_opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetKeyring attaches the key wrapper used for secret conversations.
func (s *Store) SetKeyring(k *security.Keyring) { s.keyring = k }

// userLock returns the stripe lock serializing read-modify-write operations
// for a user. Sweep and API paths share it, so concurrent mutation of one
// user's identity set resolves deterministically.
func (s *Store) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.locks[h.Sum32()%lockStripes]
}

// convLock is the conversation-scoped analogue of userLock: it serializes
// message and membership read-modify-writes within one conversation.
func (s *Store) convLock(convID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(convID))
	return &s.convLocks[h.Sum32()%lockStripes]
}

func identKey(userID, id string) string  { return identPrefix + userID + ":" + id }
func aliasKey(userID, lc string) string  { return aliasPrefix + userID + ":" + lc }
func convMetaKey(convID string) string   { return convPrefix + convID + ":meta" }
func partKey(convID, user string) string { return convPrefix + convID + ":part:" + user }
func uconvKey(user, convID string) string {
	return uconvPrefix + user + ":" + convID
}
func msgKey(convID, msgID string) string { return msgPrefix + convID + ":" + msgID }
func versionKey(msgID string, ts int64) string {
	return fmt.Sprintf("%s%s:%020d", versionPrefix, msgID, ts)
}
func expiryKey(deadline int64, convID, msgID string) string {
	return fmt.Sprintf("%s%020d:%s:%s", expiryPrefix, deadline, convID, msgID)
}

// getJSON loads and decodes the value at key into v. Returns false when the
// key does not exist.
func (s *Store) getJSON(key string, v any) (bool, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, "store read failed", err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, apperr.Wrap(apperr.CodeInternal, "store decode failed", err)
	}
	return true, nil
}

// setJSON encodes v into the batch (or directly when batch is nil).
func (s *Store) setJSON(b *pebble.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "store encode failed", err)
	}
	if b != nil {
		return b.Set([]byte(key), data, nil)
	}
	return s.db.Set([]byte(key), data, pebble.Sync)
}

// commit applies a batch durably; a failed commit surfaces as a retryable
// transaction error and leaves the store untouched.
func (s *Store) commit(b *pebble.Batch) error {
	if err := b.Commit(pebble.Sync); err != nil {
		return apperr.Wrap(apperr.CodeTransactionFailed, "batch commit failed", err)
	}
	return nil
}

// scanPrefix iterates keys with the given prefix in lexical order, calling
// fn with each key and raw value. fn returning false stops the scan.
func (s *Store) scanPrefix(prefix string, fn func(key string, val []byte) bool) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeInternal, "store scan failed", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		val := append([]byte(nil), iter.Value()...)
		if !fn(string(iter.Key()), val) {
			break
		}
	}
	return iter.Error()
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	out := append([]byte(nil), p...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
