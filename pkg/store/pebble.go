package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"voxsynq/pkg/logger"
	"voxsynq/pkg/models"
)

// Store is a pebble-backed durable log of conversation messages plus call
// history and read cursors. All mutating calls flush with pebble.Sync
// before returning success, so a caller observing success can reload the
// same state after an abrupt restart.
//
// Key layout:
//
//	conv:<key>:msg:<created_ns_padded>-<seq>  message record (JSON)
//	msgidx:<key>:<id>                         message id -> log key
//	call:<pair>:<ended_ns_padded>:<id>        call-history record (JSON)
//	cursor:<key>:<user>                       read cursor (decimal ns)
type Store struct {
	db   *pebble.DB
	path string

	// seq reduces key collisions when multiple messages share the same
	// nanosecond timestamp.
	seq uint64
}

// Open opens (or creates) a pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying pebble DB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.path)
	return err
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// WALSize reports the engine's current write-ahead log size.
func (s *Store) WALSize() uint64 {
	if s.db == nil {
		return 0
	}
	return s.db.Metrics().WAL.Size
}

// DiskUsage reports the engine's estimated on-disk footprint.
func (s *Store) DiskUsage() uint64 {
	if s.db == nil {
		return 0
	}
	return s.db.Metrics().DiskSpaceUsage()
}

func msgPrefix(conv string) []byte {
	return []byte("conv:" + conv + ":msg:")
}

func msgKey(conv string, ts int64, seq uint64) []byte {
	return []byte(fmt.Sprintf("conv:%s:msg:%020d-%06d", conv, ts, seq))
}

func msgIdxKey(conv, id string) []byte {
	return []byte("msgidx:" + conv + ":" + id)
}

func callKey(pair string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("call:%s:%020d:%s", pair, ts, id))
}

func cursorKey(conv, user string) []byte {
	return []byte("cursor:" + conv + ":" + user)
}

// Append inserts a message, or replaces it in place when the id already
// exists in the conversation. Replacing keeps the original log key, so
// status updates and retried writes never duplicate or reorder an entry.
func (s *Store) Append(msg models.Message) error {
	if !s.Ready() {
		return &PersistenceError{Op: "append", Err: fmt.Errorf("store not open")}
	}
	if msg.ID == "" || msg.Conversation == "" {
		return fmt.Errorf("message id and conversation required")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	idx := msgIdxKey(msg.Conversation, msg.ID)
	key, closer, err := s.db.Get(idx)
	switch err {
	case nil:
		// existing entry: overwrite at its original log position
		k := append([]byte(nil), key...)
		_ = closer.Close()
		if err := s.db.Set(k, data, pebble.Sync); err != nil {
			logger.Error("append_overwrite_failed", "conversation", msg.Conversation, "id", msg.ID, "error", err)
			return &PersistenceError{Op: "append", Err: err}
		}
		return nil
	case pebble.ErrNotFound:
		// fall through to fresh insert
	default:
		return &PersistenceError{Op: "append", Err: err}
	}

	ts := msg.CreatedAt
	if ts == 0 {
		ts = time.Now().UTC().UnixNano()
	}
	k := msgKey(msg.Conversation, ts, atomic.AddUint64(&s.seq, 1))
	batch := s.db.NewBatch()
	_ = batch.Set(k, data, nil)
	_ = batch.Set(idx, k, nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		logger.Error("append_failed", "conversation", msg.Conversation, "id", msg.ID, "error", err)
		return &PersistenceError{Op: "append", Err: err}
	}
	return nil
}

// GetMessage looks up a single message by conversation and id.
func (s *Store) GetMessage(conv, id string) (models.Message, bool, error) {
	var m models.Message
	if !s.Ready() {
		return m, false, &PersistenceError{Op: "get", Err: fmt.Errorf("store not open")}
	}
	key, closer, err := s.db.Get(msgIdxKey(conv, id))
	if err == pebble.ErrNotFound {
		return m, false, nil
	}
	if err != nil {
		return m, false, &PersistenceError{Op: "get", Err: err}
	}
	k := append([]byte(nil), key...)
	_ = closer.Close()
	val, closer, err := s.db.Get(k)
	if err == pebble.ErrNotFound {
		return m, false, nil
	}
	if err != nil {
		return m, false, &PersistenceError{Op: "get", Err: err}
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &m); err != nil {
		return m, false, fmt.Errorf("corrupt message record %s/%s: %w", conv, id, err)
	}
	return m, true, nil
}

// Load returns the ordered message sequence for a conversation. Unknown
// conversations produce an empty slice, not an error. A record that no
// longer deserializes degrades the whole conversation to an empty history
// with the corrupted flag set; it never brings down the store.
func (s *Store) Load(conv string) (msgs []models.Message, corrupted bool, err error) {
	if !s.Ready() {
		return nil, false, &PersistenceError{Op: "load", Err: fmt.Errorf("store not open")}
	}
	prefix := msgPrefix(conv)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix})
	if err != nil {
		return nil, false, &PersistenceError{Op: "load", Err: err}
	}
	defer iter.Close()
	out := []models.Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if uerr := json.Unmarshal(iter.Value(), &m); uerr != nil {
			logger.Error("conversation_record_corrupt", "conversation", conv, "key", string(iter.Key()), "error", uerr)
			return []models.Message{}, true, nil
		}
		out = append(out, m)
	}
	if ierr := iter.Error(); ierr != nil {
		return nil, false, &PersistenceError{Op: "load", Err: ierr}
	}
	return out, false, nil
}

// Remove tombstones a single message (user-initiated delete). The log key
// is kept so surrounding entries are never renumbered or compacted.
func (s *Store) Remove(conv, id string) (bool, error) {
	m, ok, err := s.GetMessage(conv, id)
	if err != nil || !ok {
		return ok, err
	}
	m.Deleted = true
	m.DeletedTS = time.Now().UTC().UnixNano()
	m.Content = models.Content{}
	if err := s.Append(m); err != nil {
		return true, err
	}
	return true, nil
}

// FailPending demotes every Pending message to Failed. Run once at boot:
// a send that was in flight when the process died cannot be proven to have
// completed, so it must not resurrect as Pending.
func (s *Store) FailPending() (int, error) {
	if !s.Ready() {
		return 0, &PersistenceError{Op: "fail_pending", Err: fmt.Errorf("store not open")}
	}
	prefix := []byte("conv:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix})
	if err != nil {
		return 0, &PersistenceError{Op: "fail_pending", Err: err}
	}
	defer iter.Close()
	batch := s.db.NewBatch()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if json.Unmarshal(iter.Value(), &m) != nil {
			continue
		}
		if m.Status != models.StatusPending {
			continue
		}
		m.Status = models.StatusFailed
		data, merr := json.Marshal(m)
		if merr != nil {
			continue
		}
		_ = batch.Set(append([]byte(nil), iter.Key()...), data, nil)
		n++
	}
	if n == 0 {
		_ = batch.Close()
		return 0, iter.Error()
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, &PersistenceError{Op: "fail_pending", Err: err}
	}
	logger.Info("pending_messages_failed_at_boot", "count", n)
	return n, nil
}

// AppendCallRecord persists a terminal call-history entry.
func (s *Store) AppendCallRecord(rec models.CallRecord) error {
	if !s.Ready() {
		return &PersistenceError{Op: "append_call", Err: fmt.Errorf("store not open")}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	k := callKey(models.PairKey(rec.Initiator, rec.Callee), rec.EndedTS, rec.ID)
	if err := s.db.Set(k, data, pebble.Sync); err != nil {
		logger.Error("append_call_failed", "call", rec.ID, "error", err)
		return &PersistenceError{Op: "append_call", Err: err}
	}
	return nil
}

// ListCallHistory returns call records involving user, oldest first. A
// limit <= 0 returns everything.
func (s *Store) ListCallHistory(user string, limit int) ([]models.CallRecord, error) {
	if !s.Ready() {
		return nil, &PersistenceError{Op: "list_calls", Err: fmt.Errorf("store not open")}
	}
	prefix := []byte("call:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix})
	if err != nil {
		return nil, &PersistenceError{Op: "list_calls", Err: err}
	}
	defer iter.Close()
	out := []models.CallRecord{}
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var rec models.CallRecord
		if json.Unmarshal(iter.Value(), &rec) != nil {
			logger.Warn("call_record_corrupt", "key", string(iter.Key()))
			continue
		}
		if user != "" && rec.Initiator != user && rec.Callee != user {
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, &PersistenceError{Op: "list_calls", Err: err}
	}
	// keys group by pair before timestamp; order across peers by end time
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedTS < out[j].EndedTS })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SetReadCursor records the newest createdAt the user has read in conv.
// Cursors only move forward.
func (s *Store) SetReadCursor(conv, user string, ts int64) error {
	if !s.Ready() {
		return &PersistenceError{Op: "set_cursor", Err: fmt.Errorf("store not open")}
	}
	if cur, err := s.ReadCursor(conv, user); err == nil && cur >= ts {
		return nil
	}
	k := cursorKey(conv, user)
	if err := s.db.Set(k, []byte(strconv.FormatInt(ts, 10)), pebble.Sync); err != nil {
		return &PersistenceError{Op: "set_cursor", Err: err}
	}
	return nil
}

// ReadCursor returns the user's read cursor for conv, zero when unset.
func (s *Store) ReadCursor(conv, user string) (int64, error) {
	if !s.Ready() {
		return 0, &PersistenceError{Op: "get_cursor", Err: fmt.Errorf("store not open")}
	}
	val, closer, err := s.db.Get(cursorKey(conv, user))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, &PersistenceError{Op: "get_cursor", Err: err}
	}
	defer closer.Close()
	ts, perr := strconv.ParseInt(string(val), 10, 64)
	if perr != nil {
		return 0, fmt.Errorf("corrupt cursor %s/%s: %w", conv, user, perr)
	}
	return ts, nil
}

// PurgeAged deletes call records ended before the cutoff and message
// tombstones deleted before the cutoff. Returns how many keys were purged.
func (s *Store) PurgeAged(before int64) (int, error) {
	if !s.Ready() {
		return 0, &PersistenceError{Op: "purge", Err: fmt.Errorf("store not open")}
	}
	batch := s.db.NewBatch()
	n := 0

	callPrefix := []byte("call:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: callPrefix})
	if err != nil {
		return 0, &PersistenceError{Op: "purge", Err: err}
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), callPrefix) {
			break
		}
		var rec models.CallRecord
		if json.Unmarshal(iter.Value(), &rec) != nil {
			continue
		}
		if rec.EndedTS < before {
			_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
			n++
		}
	}
	_ = iter.Close()

	convPrefix := []byte("conv:")
	iter, err = s.db.NewIter(&pebble.IterOptions{LowerBound: convPrefix})
	if err != nil {
		return 0, &PersistenceError{Op: "purge", Err: err}
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), convPrefix) {
			break
		}
		var m models.Message
		if json.Unmarshal(iter.Value(), &m) != nil {
			continue
		}
		if m.Deleted && m.DeletedTS > 0 && m.DeletedTS < before {
			_ = batch.Delete(append([]byte(nil), iter.Key()...), nil)
			_ = batch.Delete(msgIdxKey(m.Conversation, m.ID), nil)
			n++
		}
	}
	_ = iter.Close()

	if n == 0 {
		_ = batch.Close()
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, &PersistenceError{Op: "purge", Err: err}
	}
	logger.Info("purge_completed", "keys", n, "before", before)
	return n, nil
}
