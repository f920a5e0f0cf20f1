package services

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	bolt "go.etcd.io/bbolt"

	"github.com/hylin/gemini-chat-panel/internal/models"
)

var messagesBucket = []byte("messages")

// BoltHistory is the primary history backend, storing one record per message in a BoltDB bucket
// keyed by message id. Reads return the messages sorted ascending by timestamp, which is the sole
// ordering key of the history.
type BoltHistory struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltHistory opens (creating if necessary) the database at the specified file path and
// idempotently ensures the messages bucket exists. The database file is created with 0600
// permissions if it doesn't exist.
func NewBoltHistory(path string, logger *slog.Logger) (BoltHistory, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltHistory{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	})

	return BoltHistory{
		db:     db,
		logger: logger.With(slog.String("module", "bolthistory")),
	}, err
}

// Close releases the underlying database file.
func (b BoltHistory) Close() error {
	return b.db.Close()
}

// History retrieves all stored messages sorted ascending by timestamp. Records that fail to
// unmarshal are logged and skipped rather than failing the whole read.
func (b BoltHistory) History(context.Context) ([]models.Message, error) {
	var history []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messagesBucket)
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(k, v []byte) error {
			var msg models.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				b.logger.Warn("Skipping unreadable history record",
					slog.String("id", string(k)),
					slog.String("err", err.Error()))
				return nil
			}
			history = append(history, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(history, func(a, b models.Message) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
	return history, nil
}

// SaveHistory replaces the entire stored history with the given one. The clear and the inserts
// run in a single transaction; individual messages that cannot be marshaled are logged and
// skipped, and the operation still succeeds for the remaining records.
func (b BoltHistory) SaveHistory(_ context.Context, history []models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(messagesBucket); err != nil {
			return fmt.Errorf("failed to clear messages bucket: %w", err)
		}
		bkt, err := tx.CreateBucket(messagesBucket)
		if err != nil {
			return fmt.Errorf("failed to recreate messages bucket: %w", err)
		}

		for _, msg := range history {
			v, err := json.Marshal(msg)
			if err != nil {
				b.logger.Warn("Skipping unmarshalable message",
					slog.String("id", msg.ID),
					slog.String("err", err.Error()))
				continue
			}
			if err := bkt.Put([]byte(msg.ID), v); err != nil {
				return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
			}
		}
		return nil
	})
}

// AddMessage appends a message by doing a read-modify-write against the whole history. It is not
// safe under concurrent callers; the conversation controller serializes all mutations.
func (b BoltHistory) AddMessage(ctx context.Context, msg models.Message) error {
	history, err := b.History(ctx)
	if err != nil {
		return err
	}
	return b.SaveHistory(ctx, append(history, msg))
}

// DeleteMessage removes the message with the given id. Deleting an absent id is a no-op with a
// warning.
func (b BoltHistory) DeleteMessage(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messagesBucket)
		if bkt == nil {
			return nil
		}
		if bkt.Get([]byte(id)) == nil {
			b.logger.Warn("Attempted to delete unknown message", slog.String("id", id))
			return nil
		}
		return bkt.Delete([]byte(id))
	})
}

// Clear removes every stored message.
func (b BoltHistory) Clear(ctx context.Context) error {
	return b.SaveHistory(ctx, nil)
}
