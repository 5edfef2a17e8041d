package storage

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var ErrCorruptRecord = errors.New("corrupt session record")

// SessionStore persists client sessions so that session ids, dedup state and cached results survive a restart
type SessionStore interface {
	SaveSession(rec *SessionRecord) error
	DeleteSession(id uint64) error
	LoadSessions() ([]*SessionRecord, error)
	// NextSessionID returns the first id that was never handed out, 1 for an empty store
	NextSessionID() (uint64, error)
	SaveNextSessionID(id uint64) error
	Close() error
}

// CachedResult is the outcome of an applied command, kept until the client acknowledges it
type CachedResult struct {
	Sequence uint64
	Index    uint64
	Result   []byte
}

// SessionRecord is the durable part of a client session
type SessionRecord struct {
	ID                  uint64
	ClientID            string
	Timeout             time.Duration
	LastCommandSequence uint64
	LastAppliedIndex    uint64
	LastQueryIndex      uint64
	Results             []CachedResult
}

// Field numbers of the record encoding
const (
	fieldID                  protowire.Number = 1
	fieldClientID            protowire.Number = 2
	fieldTimeoutMs           protowire.Number = 3
	fieldLastCommandSequence protowire.Number = 4
	fieldLastAppliedIndex    protowire.Number = 5
	fieldLastQueryIndex      protowire.Number = 6
	fieldResult              protowire.Number = 7

	fieldResultSequence protowire.Number = 1
	fieldResultIndex    protowire.Number = 2
	fieldResultPayload  protowire.Number = 3
)

// Marshal encodes the record in the protobuf wire format
func (r *SessionRecord) Marshal() []byte {
	var b []byte
	b = appendVarint(b, fieldID, r.ID)
	b = protowire.AppendTag(b, fieldClientID, protowire.BytesType)
	b = protowire.AppendString(b, r.ClientID)
	b = appendVarint(b, fieldTimeoutMs, uint64(r.Timeout.Milliseconds()))
	b = appendVarint(b, fieldLastCommandSequence, r.LastCommandSequence)
	b = appendVarint(b, fieldLastAppliedIndex, r.LastAppliedIndex)
	b = appendVarint(b, fieldLastQueryIndex, r.LastQueryIndex)

	for _, res := range r.Results {
		var nested []byte
		nested = appendVarint(nested, fieldResultSequence, res.Sequence)
		nested = appendVarint(nested, fieldResultIndex, res.Index)
		nested = protowire.AppendTag(nested, fieldResultPayload, protowire.BytesType)
		nested = protowire.AppendBytes(nested, res.Result)

		b = protowire.AppendTag(b, fieldResult, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	}
	return b
}

// Unmarshal decodes a record produced by Marshal. Unknown fields are skipped.
func (r *SessionRecord) Unmarshal(b []byte) error {
	*r = SessionRecord{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num != fieldClientID && num != fieldResult:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrCorruptRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			r.setVarint(num, v)

		case typ == protowire.BytesType && num == fieldClientID:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: client id: %w", ErrCorruptRecord, protowire.ParseError(n))
			}
			b = b[n:]
			r.ClientID = v

		case typ == protowire.BytesType && num == fieldResult:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: result: %w", ErrCorruptRecord, protowire.ParseError(n))
			}
			b = b[n:]
			res, err := unmarshalResult(v)
			if err != nil {
				return err
			}
			r.Results = append(r.Results, res)

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", ErrCorruptRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func (r *SessionRecord) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldID:
		r.ID = v
	case fieldTimeoutMs:
		r.Timeout = time.Duration(v) * time.Millisecond
	case fieldLastCommandSequence:
		r.LastCommandSequence = v
	case fieldLastAppliedIndex:
		r.LastAppliedIndex = v
	case fieldLastQueryIndex:
		r.LastQueryIndex = v
	}
}

func unmarshalResult(b []byte) (CachedResult, error) {
	var res CachedResult
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return res, fmt.Errorf("%w: result: %w", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && num == fieldResultSequence:
			res.Sequence, n = protowire.ConsumeVarint(b)
		case typ == protowire.VarintType && num == fieldResultIndex:
			res.Index, n = protowire.ConsumeVarint(b)
		case typ == protowire.BytesType && num == fieldResultPayload:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				res.Result = append([]byte{}, v...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return res, fmt.Errorf("%w: result field %d: %w", ErrCorruptRecord, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return res, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
