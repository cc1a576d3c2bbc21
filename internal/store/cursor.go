package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Cursor records how far feed ingestion has progressed. It advances in the
// same transaction that applies a block's events, so a reader either sees
// a whole block or none of it.
type Cursor struct {
	Block    uint64
	LogIndex uint32
	Segment  string
}

// GetCursor returns the stored cursor, or nil if ingestion has not started.
func (s *Store) GetCursor() (*Cursor, error) {
	var c Cursor
	err := s.db.QueryRow(`SELECT block, log_index, segment FROM feed_cursor WHERE id = 1`).
		Scan(&c.Block, &c.LogIndex, &c.Segment)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

// SetCursor advances the feed cursor within the transaction.
func (t *Tx) SetCursor(c Cursor) error {
	_, err := t.tx.Exec(`
		INSERT INTO feed_cursor (id, block, log_index, segment, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			block = excluded.block,
			log_index = excluded.log_index,
			segment = excluded.segment,
			updated_at = excluded.updated_at`,
		c.Block, c.LogIndex, c.Segment, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}
