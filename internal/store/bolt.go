package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Shugur-Network/courier/internal/domain"
	"github.com/Shugur-Network/courier/internal/logger"
	"github.com/Shugur-Network/courier/internal/models"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketMessages       = []byte("messages")        // message id -> json
	bucketEvents         = []byte("events")          // event id -> message id
	bucketByConversation = []byte("by_conversation") // conv id \x00 ts \x00 msg id -> msg id
	bucketQueue          = []byte("queue")           // message id -> enqueue time (unix nano)
	bucketSeen           = []byte("seen")            // conv id -> last inbound time (unix nano)
	bucketPending        = []byte("pending")         // conv id -> message id awaiting a trust decision
)

// BoltStore is a bbolt-backed MessageStore. One file, one writer at a time;
// bbolt serializes write transactions internally.
type BoltStore struct {
	db  *bolt.DB
	log *zap.Logger
}

var _ domain.MessageStore = (*BoltStore)(nil)

// Open opens (or creates) the store file and its buckets.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open message store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketEvents, bucketByConversation, bucketQueue, bucketSeen, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, log: logger.New("store")}, nil
}

// Close releases the store file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func convKey(conversationID string, ts time.Time, id string) []byte {
	var buf bytes.Buffer
	buf.WriteString(conversationID)
	buf.WriteByte(0)
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], uint64(ts.UnixNano()))
	buf.Write(tsb[:])
	buf.WriteByte(0)
	buf.WriteString(id)
	return buf.Bytes()
}

// PersistMessage inserts or overwrites a message and maintains the event and
// conversation indexes.
func (s *BoltStore) PersistMessage(ctx context.Context, msg *models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMessages).Put([]byte(msg.ID), raw); err != nil {
			return err
		}
		if msg.EventID != "" {
			if err := tx.Bucket(bucketEvents).Put([]byte(msg.EventID), []byte(msg.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketByConversation).Put(convKey(msg.ConversationID, msg.Timestamp, msg.ID), []byte(msg.ID))
	})
}

// PersistPendingRequest stores a message from an untrusted sender. It is
// retrievable by id and counted for dedup, but stays out of the conversation
// index until the sender is accepted.
func (s *BoltStore) PersistPendingRequest(ctx context.Context, msg *models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMessages).Put([]byte(msg.ID), raw); err != nil {
			return err
		}
		if msg.EventID != "" {
			if err := tx.Bucket(bucketEvents).Put([]byte(msg.EventID), []byte(msg.ID)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketPending).Put([]byte(msg.ConversationID), []byte(msg.ID))
	})
}

// PendingRequests returns the newest pending message per conversation.
func (s *BoltStore) PendingRequests(ctx context.Context) ([]*models.Message, error) {
	var out []*models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		return tx.Bucket(bucketPending).ForEach(func(convID, msgID []byte) error {
			raw := msgs.Get(msgID)
			if raw == nil {
				s.log.Warn("dangling pending request entry",
					zap.String("conversation_id", string(convID)))
				return nil
			}
			var m models.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("unmarshal message %s: %w", msgID, err)
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

// RemovePendingRequest clears a conversation's pending entry. Removing an
// absent entry is a no-op.
func (s *BoltStore) RemovePendingRequest(ctx context.Context, conversationID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(conversationID))
	})
}

// GetMessage returns a message by id, or (nil, nil) when absent.
func (s *BoltStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg *models.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMessages).Get([]byte(id))
		if raw == nil {
			return nil
		}
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("unmarshal message %s: %w", id, err)
		}
		msg = &m
		return nil
	})
	return msg, err
}

// HasEvent reports whether any persisted message carries this event id.
func (s *BoltStore) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketEvents).Get([]byte(eventID)) != nil
		return nil
	})
	return found, err
}

// ForEachEvent visits every persisted event id.
func (s *BoltStore) ForEachEvent(ctx context.Context, fn func(eventID string) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(eventID, _ []byte) error {
			return fn(string(eventID))
		})
	})
}

// UpdateMessageStatus rewrites a stored message with a new status. The legality
// of the transition is the pipeline's concern; the store only rejects updates
// for unknown ids.
func (s *BoltStore) UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		raw := b.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("message %s not found", id)
		}
		var m models.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("unmarshal message %s: %w", id, err)
		}
		m.Status = status
		updated, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

// GetMessagesByConversation returns a conversation's messages ordered by
// timestamp ascending.
func (s *BoltStore) GetMessagesByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	var out []*models.Message
	prefix := append([]byte(conversationID), 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		c := tx.Bucket(bucketByConversation).Cursor()
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			raw := msgs.Get(id)
			if raw == nil {
				// Index points at a deleted message; skip rather than fail.
				s.log.Warn("dangling conversation index entry", zap.String("message_id", string(id)))
				continue
			}
			var m models.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("unmarshal message %s: %w", id, err)
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

// Conversations returns every conversation id present in the index, sorted.
func (s *BoltStore) Conversations(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByConversation).Cursor()
		var last string
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			sep := bytes.IndexByte(k, 0)
			if sep < 0 {
				continue
			}
			id := string(k[:sep])
			if id != last {
				out = append(out, id)
				last = id
			}
		}
		return nil
	})
	return out, err
}

// QueueOutgoingMessage adds a message id to the offline retry queue.
func (s *BoltStore) QueueOutgoingMessage(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(time.Now().UnixNano()))
		return tx.Bucket(bucketQueue).Put([]byte(id), ts[:])
	})
}

// GetQueuedMessages returns queued messages in enqueue order.
func (s *BoltStore) GetQueuedMessages(ctx context.Context) ([]*models.Message, error) {
	type entry struct {
		msg *models.Message
		at  uint64
	}
	var entries []entry

	err := s.db.View(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		return tx.Bucket(bucketQueue).ForEach(func(id, ts []byte) error {
			raw := msgs.Get(id)
			if raw == nil {
				s.log.Warn("queued message missing from store", zap.String("message_id", string(id)))
				return nil
			}
			var m models.Message
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("unmarshal message %s: %w", id, err)
			}
			entries = append(entries, entry{msg: &m, at: binary.BigEndian.Uint64(ts)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	out := make([]*models.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out, nil
}

// RemoveFromQueue removes a message id from the retry queue.
func (s *BoltStore) RemoveFromQueue(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete([]byte(id))
	})
}

// SetConversationSeen records the newest inbound event timestamp for a
// conversation. Older timestamps never overwrite newer ones.
func (s *BoltStore) SetConversationSeen(ctx context.Context, conversationID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSeen)
		key := []byte(conversationID)
		if prev := b.Get(key); prev != nil {
			if binary.BigEndian.Uint64(prev) >= uint64(at.UnixNano()) {
				return nil
			}
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
		return b.Put(key, ts[:])
	})
}

// LastSeen returns the newest recorded inbound timestamp across all
// conversations.
func (s *BoltStore) LastSeen(ctx context.Context) (time.Time, error) {
	var latest uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSeen).ForEach(func(_, ts []byte) error {
			if v := binary.BigEndian.Uint64(ts); v > latest {
				latest = v
			}
			return nil
		})
	})
	if err != nil || latest == 0 {
		return time.Time{}, err
	}
	return time.Unix(0, int64(latest)), nil
}
