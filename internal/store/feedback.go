package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"trustregd/internal/registry"
)

type feedbackBackend interface {
	InsertFeedback(e *registry.FeedbackEntry) error
	GetFeedback(agentID uint64, client registry.Address, index uint64) (*registry.FeedbackEntry, error)
	NextFeedbackIndex(agentID uint64, client registry.Address) (uint64, error)
	ListFeedback(agentID uint64, f FeedbackFilter) ([]registry.FeedbackEntry, error)
	MarkFeedbackRevoked(agentID uint64, client registry.Address, index uint64) error
	SetFeedbackResponse(agentID uint64, client registry.Address, index uint64, uri string, hash registry.Hash) error
}

// FeedbackFilter narrows ListFeedback. Zero values mean "no restriction":
// an empty client set matches all clients and empty tags match all tags.
type FeedbackFilter struct {
	Clients        []registry.Address
	Tag1           string
	Tag2           string
	IncludeRevoked bool
}

// InsertFeedback appends a feedback entry.
func (s *Store) InsertFeedback(e *registry.FeedbackEntry) error { return insertFeedback(s.db, e) }

// InsertFeedback appends a feedback entry within the transaction.
func (t *Tx) InsertFeedback(e *registry.FeedbackEntry) error { return insertFeedback(t.tx, e) }

func insertFeedback(q querier, e *registry.FeedbackEntry) error {
	_, err := q.Exec(`
		INSERT INTO feedback (agent_id, client, idx, value, value_decimals, tag1, tag2,
		                      endpoint, feedback_uri, feedback_hash, revoked,
		                      has_response, response_uri, response_hash, block)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AgentID, e.Client[:], e.Index, e.Value.String(), e.ValueDecimals, e.Tag1, e.Tag2,
		e.Endpoint, e.FeedbackURI, e.FeedbackHash[:], boolInt(e.Revoked),
		boolInt(e.HasResponse), e.ResponseURI, e.ResponseHash[:], e.Block,
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// GetFeedback retrieves one entry. Returns nil if the index does not exist
// for the (agent, client) pair.
func (s *Store) GetFeedback(agentID uint64, client registry.Address, index uint64) (*registry.FeedbackEntry, error) {
	return getFeedback(s.db, agentID, client, index)
}

// GetFeedback retrieves one entry within the transaction.
func (t *Tx) GetFeedback(agentID uint64, client registry.Address, index uint64) (*registry.FeedbackEntry, error) {
	return getFeedback(t.tx, agentID, client, index)
}

const feedbackColumns = `agent_id, client, idx, value, value_decimals, tag1, tag2,
	endpoint, feedback_uri, feedback_hash, revoked, has_response, response_uri, response_hash, block`

func getFeedback(q querier, agentID uint64, client registry.Address, index uint64) (*registry.FeedbackEntry, error) {
	row := q.QueryRow(`
		SELECT `+feedbackColumns+`
		FROM feedback WHERE agent_id = ? AND client = ? AND idx = ?`,
		agentID, client[:], index,
	)
	e, err := scanFeedbackRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	return e, nil
}

// NextFeedbackIndex returns the index the next entry from client will
// receive. Indices are contiguous from 0, so this is the current count.
func (s *Store) NextFeedbackIndex(agentID uint64, client registry.Address) (uint64, error) {
	return nextFeedbackIndex(s.db, agentID, client)
}

// NextFeedbackIndex returns the next per-pair index within the transaction.
func (t *Tx) NextFeedbackIndex(agentID uint64, client registry.Address) (uint64, error) {
	return nextFeedbackIndex(t.tx, agentID, client)
}

func nextFeedbackIndex(q querier, agentID uint64, client registry.Address) (uint64, error) {
	var n uint64
	err := q.QueryRow(`SELECT COUNT(*) FROM feedback WHERE agent_id = ? AND client = ?`,
		agentID, client[:]).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next feedback index: %w", err)
	}
	return n, nil
}

// ListFeedback returns the agent's entries matching the filter, in global
// insertion order (which is chain order under feed ingestion).
func (s *Store) ListFeedback(agentID uint64, f FeedbackFilter) ([]registry.FeedbackEntry, error) {
	return listFeedback(s.db, agentID, f)
}

// ListFeedback returns matching entries within the transaction.
func (t *Tx) ListFeedback(agentID uint64, f FeedbackFilter) ([]registry.FeedbackEntry, error) {
	return listFeedback(t.tx, agentID, f)
}

func listFeedback(q querier, agentID uint64, f FeedbackFilter) ([]registry.FeedbackEntry, error) {
	query := `SELECT ` + feedbackColumns + ` FROM feedback WHERE agent_id = ?`
	args := []any{agentID}

	if len(f.Clients) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Clients)), ",")
		query += ` AND client IN (` + placeholders + `)`
		for _, c := range f.Clients {
			args = append(args, c[:])
		}
	}
	if f.Tag1 != "" {
		query += ` AND tag1 = ?`
		args = append(args, f.Tag1)
	}
	if f.Tag2 != "" {
		query += ` AND tag2 = ?`
		args = append(args, f.Tag2)
	}
	if !f.IncludeRevoked {
		query += ` AND revoked = 0`
	}
	query += ` ORDER BY seq ASC`

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var entries []registry.FeedbackEntry
	for rows.Next() {
		e, err := scanFeedbackRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return entries, nil
}

// MarkFeedbackRevoked sets the revoked flag. The row is never deleted.
func (s *Store) MarkFeedbackRevoked(agentID uint64, client registry.Address, index uint64) error {
	return markFeedbackRevoked(s.db, agentID, client, index)
}

// MarkFeedbackRevoked sets the revoked flag within the transaction.
func (t *Tx) MarkFeedbackRevoked(agentID uint64, client registry.Address, index uint64) error {
	return markFeedbackRevoked(t.tx, agentID, client, index)
}

func markFeedbackRevoked(q querier, agentID uint64, client registry.Address, index uint64) error {
	res, err := q.Exec(`
		UPDATE feedback SET revoked = 1
		WHERE agent_id = ? AND client = ? AND idx = ?`,
		agentID, client[:], index,
	)
	if err != nil {
		return fmt.Errorf("mark feedback revoked: %w", err)
	}
	return requireRowAffected(res, "mark feedback revoked")
}

// SetFeedbackResponse records the agent owner's response on an entry.
func (s *Store) SetFeedbackResponse(agentID uint64, client registry.Address, index uint64, uri string, hash registry.Hash) error {
	return setFeedbackResponse(s.db, agentID, client, index, uri, hash)
}

// SetFeedbackResponse records the owner response within the transaction.
func (t *Tx) SetFeedbackResponse(agentID uint64, client registry.Address, index uint64, uri string, hash registry.Hash) error {
	return setFeedbackResponse(t.tx, agentID, client, index, uri, hash)
}

func setFeedbackResponse(q querier, agentID uint64, client registry.Address, index uint64, uri string, hash registry.Hash) error {
	res, err := q.Exec(`
		UPDATE feedback SET has_response = 1, response_uri = ?, response_hash = ?
		WHERE agent_id = ? AND client = ? AND idx = ?`,
		uri, hash[:], agentID, client[:], index,
	)
	if err != nil {
		return fmt.Errorf("set feedback response: %w", err)
	}
	return requireRowAffected(res, "set feedback response")
}

// CountFeedback returns the total number of stored entries, revoked included.
func (s *Store) CountFeedback() (uint64, error) {
	var n uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM feedback`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count feedback: %w", err)
	}
	return n, nil
}

// scanFeedbackRow scans a feedback row via the given Scan function, so the
// same decoding serves QueryRow and Rows.
func scanFeedbackRow(scan func(dest ...any) error) (*registry.FeedbackEntry, error) {
	var e registry.FeedbackEntry
	var client, feedbackHash, responseHash []byte
	var value string
	var revoked, hasResponse int

	err := scan(&e.AgentID, &client, &e.Index, &value, &e.ValueDecimals, &e.Tag1, &e.Tag2,
		&e.Endpoint, &e.FeedbackURI, &feedbackHash, &revoked, &hasResponse,
		&e.ResponseURI, &responseHash, &e.Block)
	if err != nil {
		return nil, err
	}

	copy(e.Client[:], client)
	copy(e.FeedbackHash[:], feedbackHash)
	copy(e.ResponseHash[:], responseHash)
	e.Revoked = revoked != 0
	e.HasResponse = hasResponse != 0

	e.Value = new(big.Int)
	if _, ok := e.Value.SetString(value, 10); !ok {
		return nil, fmt.Errorf("decode feedback value %q", value)
	}
	return &e, nil
}

func requireRowAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, registry.ErrNotFound)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
