// Package protocol defines the wire types shared between the backend API,
// the push stream and the local caches.
package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// ResultSuccess is the envelope result reported by the backend on success.
const ResultSuccess = "SUCCESS"

// Response is the envelope wrapping most backend responses.
type Response struct {
	Result string          `json:"result"`
	Data   json.RawMessage `json:"data"`
}

// OK reports whether the backend signalled success.
func (r *Response) OK() bool {
	return r.Result == ResultSuccess
}

// ParseData unmarshals the data member into the given target.
func (r *Response) ParseData(target any) error {
	if len(r.Data) == 0 {
		return &DecodeError{What: "response data", Err: errors.New("empty data")}
	}
	if err := json.Unmarshal(r.Data, target); err != nil {
		return &DecodeError{What: "response data", Err: err}
	}
	return nil
}

// DecodeError reports a malformed JSON document or push payload.
// Such input is dropped and logged, never fatal.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeBatch parses one push message: a JSON array of changed node ids.
// Ids are de-duplicated in first-seen order and empty ids are skipped.
// An empty batch is reported as a DecodeError since batches are never empty.
func DecodeBatch(data []byte) ([]string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &DecodeError{What: "push batch", Err: errors.New("empty payload")}
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, &DecodeError{What: "push batch", Err: err}
	}

	seen := make(map[string]struct{}, len(ids))
	batch := ids[:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		batch = append(batch, id)
	}

	if len(batch) == 0 {
		return nil, &DecodeError{What: "push batch", Err: errors.New("no node ids")}
	}
	return batch, nil
}

// NodeUpdate is published once per node id contained in a push batch.
type NodeUpdate struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
}

// NewNodeUpdate builds the change event for a node id.
func NewNodeUpdate(id string) NodeUpdate {
	return NodeUpdate{ID: id, Identifier: DefaultIdentifier(id)}
}

// DefaultIdentifier is the identifier used when the backend does not send one.
func DefaultIdentifier(id string) string {
	return "node__" + id
}
