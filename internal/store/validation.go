package store

import (
	"database/sql"
	"errors"
	"fmt"

	"trustregd/internal/registry"
)

type validationBackend interface {
	InsertValidationRequest(r *registry.ValidationRequest) error
	GetValidationRequest(hash registry.Hash) (*registry.ValidationRequest, error)
	SetValidationResponse(hash registry.Hash, response uint8, uri string, responseHash registry.Hash, tag string, lastUpdate int64) error
	ListValidationByAgent(agentID uint64) ([]registry.ValidationRequest, error)
	ListValidationByValidator(validator registry.Address) ([]registry.ValidationRequest, error)
}

const validationColumns = `request_hash, validator, agent_id, request_uri, status,
	response, response_uri, response_hash, tag, last_update, block`

// InsertValidationRequest stores a new pending request.
func (s *Store) InsertValidationRequest(r *registry.ValidationRequest) error {
	return insertValidationRequest(s.db, r)
}

// InsertValidationRequest stores a new pending request within the transaction.
func (t *Tx) InsertValidationRequest(r *registry.ValidationRequest) error {
	return insertValidationRequest(t.tx, r)
}

func insertValidationRequest(q querier, r *registry.ValidationRequest) error {
	_, err := q.Exec(`
		INSERT INTO validation_requests (request_hash, validator, agent_id, request_uri,
		                                 status, response, response_uri, response_hash,
		                                 tag, last_update, block)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestHash[:], r.Validator[:], r.AgentID, r.RequestURI,
		r.Status, r.Response, r.ResponseURI, r.ResponseHash[:],
		r.Tag, r.LastUpdate, r.Block,
	)
	if err != nil {
		return fmt.Errorf("insert validation request: %w", err)
	}
	return nil
}

// GetValidationRequest retrieves a request by hash. Returns nil if unknown.
func (s *Store) GetValidationRequest(hash registry.Hash) (*registry.ValidationRequest, error) {
	return getValidationRequest(s.db, hash)
}

// GetValidationRequest retrieves a request by hash within the transaction.
func (t *Tx) GetValidationRequest(hash registry.Hash) (*registry.ValidationRequest, error) {
	return getValidationRequest(t.tx, hash)
}

func getValidationRequest(q querier, hash registry.Hash) (*registry.ValidationRequest, error) {
	row := q.QueryRow(`
		SELECT `+validationColumns+`
		FROM validation_requests WHERE request_hash = ?`, hash[:],
	)
	r, err := scanValidationRow(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get validation request: %w", err)
	}
	return r, nil
}

// SetValidationResponse records the validator's response and resolves the
// request.
func (s *Store) SetValidationResponse(hash registry.Hash, response uint8, uri string, responseHash registry.Hash, tag string, lastUpdate int64) error {
	return setValidationResponse(s.db, hash, response, uri, responseHash, tag, lastUpdate)
}

// SetValidationResponse resolves the request within the transaction.
func (t *Tx) SetValidationResponse(hash registry.Hash, response uint8, uri string, responseHash registry.Hash, tag string, lastUpdate int64) error {
	return setValidationResponse(t.tx, hash, response, uri, responseHash, tag, lastUpdate)
}

func setValidationResponse(q querier, hash registry.Hash, response uint8, uri string, responseHash registry.Hash, tag string, lastUpdate int64) error {
	res, err := q.Exec(`
		UPDATE validation_requests
		SET status = ?, response = ?, response_uri = ?, response_hash = ?, tag = ?, last_update = ?
		WHERE request_hash = ?`,
		registry.StatusResolved, response, uri, responseHash[:], tag, lastUpdate, hash[:],
	)
	if err != nil {
		return fmt.Errorf("set validation response: %w", err)
	}
	return requireRowAffected(res, "set validation response")
}

// ListValidationByAgent returns the agent's requests in insertion order.
func (s *Store) ListValidationByAgent(agentID uint64) ([]registry.ValidationRequest, error) {
	return listValidation(s.db, `agent_id = ?`, agentID)
}

// ListValidationByAgent returns the agent's requests within the transaction.
func (t *Tx) ListValidationByAgent(agentID uint64) ([]registry.ValidationRequest, error) {
	return listValidation(t.tx, `agent_id = ?`, agentID)
}

// ListValidationByValidator returns the validator's requests in insertion order.
func (s *Store) ListValidationByValidator(validator registry.Address) ([]registry.ValidationRequest, error) {
	return listValidation(s.db, `validator = ?`, validator[:])
}

// ListValidationByValidator returns the validator's requests within the transaction.
func (t *Tx) ListValidationByValidator(validator registry.Address) ([]registry.ValidationRequest, error) {
	return listValidation(t.tx, `validator = ?`, validator[:])
}

func listValidation(q querier, where string, arg any) ([]registry.ValidationRequest, error) {
	rows, err := q.Query(`
		SELECT `+validationColumns+`
		FROM validation_requests WHERE `+where+` ORDER BY seq ASC`, arg,
	)
	if err != nil {
		return nil, fmt.Errorf("query validation requests: %w", err)
	}
	defer rows.Close()

	var requests []registry.ValidationRequest
	for rows.Next() {
		r, err := scanValidationRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan validation request: %w", err)
		}
		requests = append(requests, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validation requests: %w", err)
	}
	return requests, nil
}

func scanValidationRow(scan func(dest ...any) error) (*registry.ValidationRequest, error) {
	var r registry.ValidationRequest
	var requestHash, validator, responseHash []byte

	err := scan(&requestHash, &validator, &r.AgentID, &r.RequestURI, &r.Status,
		&r.Response, &r.ResponseURI, &responseHash, &r.Tag, &r.LastUpdate, &r.Block)
	if err != nil {
		return nil, err
	}

	copy(r.RequestHash[:], requestHash)
	copy(r.Validator[:], validator)
	copy(r.ResponseHash[:], responseHash)
	return &r, nil
}
