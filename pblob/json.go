package pblob

import (
	"encoding/json"
	"io"
	"time"

	"github.com/luno/jettison/errors"

	"github.com/luno/projex"
)

// JSONDecoder is the default decoder function that decodes blobs into
// consecutive raw json values, one transaction DTO each.
var JSONDecoder = func(r io.Reader) (Decoder, error) {
	return &jsonDecoder{
		decoder: json.NewDecoder(r),
	}, nil
}

type jsonDecoder struct {
	decoder *json.Decoder
}

func (d *jsonDecoder) Decode() ([]byte, error) {
	var raw json.RawMessage
	err := d.decoder.Decode(&raw)
	if err != nil {
		return nil, err
	}

	return raw, nil
}

// transactionJSON is the wire format of a transaction inside a blob.
type transactionJSON struct {
	ID        string            `json:"id"`
	StreamID  string            `json:"stream_id"`
	Timestamp time.Time         `json:"timestamp"`
	Events    []eventJSON       `json:"events"`
	Headers   map[string]string `json:"headers,omitempty"`
	Trace     json.RawMessage   `json:"trace,omitempty"`
}

type eventJSON struct {
	Type      int             `json:"type"`
	ForeignID string          `json:"foreign_id"`
	MetaData  json.RawMessage `json:"metadata,omitempty"`
}

// eventType implements projex.EventType for decoded events.
type eventType int

func (t eventType) ProjexType() int {
	return int(t)
}

func parseTransaction(raw []byte) (*projex.Transaction, error) {
	var dto transactionJSON
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, errors.Wrap(err, "unmarshal transaction")
	}

	txn := &projex.Transaction{
		ID:        dto.ID,
		StreamID:  dto.StreamID,
		Timestamp: dto.Timestamp,
		Headers:   dto.Headers,
		Trace:     dto.Trace,
	}

	for _, e := range dto.Events {
		txn.Events = append(txn.Events, projex.Event{
			Type:      eventType(e.Type),
			ForeignID: e.ForeignID,
			MetaData:  e.MetaData,
		})
	}

	return txn, nil
}
