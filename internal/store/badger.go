package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore is the durable MessageStore. Messages live under
// m/<room>/<seq> with the sequence encoded big-endian so iteration order is
// sequence order; the room's high-water mark lives under s/<room> and is
// advanced in the same transaction as the append.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store at dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open message store %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Append records the message and advances the room sequence atomically.
func (s *BadgerStore) Append(ctx context.Context, roomID, senderID, content string, ts time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	var msg Message
	err := s.db.Update(func(txn *badger.Txn) error {
		seq, err := readSeq(txn, roomID)
		if err != nil {
			return err
		}
		seq++

		msg = Message{
			ID:        uuid.NewString(),
			RoomID:    roomID,
			SenderID:  senderID,
			Content:   content,
			Sequence:  seq,
			Timestamp: ts,
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if err := txn.Set(seqKey(roomID), encodeSeq(seq)); err != nil {
			return err
		}
		return txn.Set(msgKey(roomID, seq), raw)
	})
	if err != nil {
		return Message{}, fmt.Errorf("append to room %s: %w", roomID, err)
	}
	return msg, nil
}

// ReadRange returns up to limit messages starting at fromSeq, ascending.
func (s *BadgerStore) ReadRange(ctx context.Context, roomID string, fromSeq uint64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromSeq == 0 {
		fromSeq = 1
	}
	if limit <= 0 {
		return nil, nil
	}

	var out []Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = msgPrefix(roomID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(msgKey(roomID, fromSeq)); it.Valid() && len(out) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return fmt.Errorf("decode message: %w", err)
				}
				out = append(out, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read room %s: %w", roomID, err)
	}
	return out, nil
}

// Recent returns the newest limit messages in ascending order.
func (s *BadgerStore) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var latest uint64
	err := s.db.View(func(txn *badger.Txn) error {
		seq, err := readSeq(txn, roomID)
		if err != nil {
			return err
		}
		latest = seq
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read room %s sequence: %w", roomID, err)
	}
	if latest == 0 {
		return nil, nil
	}

	from := uint64(1)
	if uint64(limit) < latest {
		from = latest - uint64(limit) + 1
	}
	return s.ReadRange(ctx, roomID, from, limit)
}

func readSeq(txn *badger.Txn, roomID string) (uint64, error) {
	item, err := txn.Get(seqKey(roomID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var seq uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence key for room %s", roomID)
		}
		seq = binary.BigEndian.Uint64(val)
		return nil
	})
	return seq, err
}

func msgPrefix(roomID string) []byte {
	return []byte("m/" + roomID + "/")
}

func msgKey(roomID string, seq uint64) []byte {
	return append(msgPrefix(roomID), encodeSeq(seq)...)
}

func seqKey(roomID string) []byte {
	return []byte("s/" + roomID)
}

func encodeSeq(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf[:]
}
