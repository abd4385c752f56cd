// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package model

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/localstore/internal/base"
	"google.golang.org/protobuf/encoding/protowire"
)

// Records are stored in the protocol buffer wire format. Fields holding their
// zero value are omitted, so a zero record encodes to an empty byte slice and
// an empty byte slice decodes to a zero record.
//
//	message MutationQueue {
//	  int64 last_acknowledged_batch_id = 1;
//	  bytes last_stream_token = 2;
//	}
//	message WriteBatch {
//	  int64 batch_id = 1;
//	  string user_id = 2;
//	  bytes last_stream_token = 3;
//	  repeated Write writes = 4;
//	  Timestamp local_write_time = 5;
//	}
//	message Write {
//	  int32 type = 1;
//	  string key = 2;
//	  bytes value = 3;
//	  repeated string update_mask = 4;
//	  repeated FieldTransform transforms = 5;
//	  Precondition precondition = 6;
//	}
//	message FieldTransform {
//	  string field_path = 1;
//	  int32 kind = 2;
//	  bytes operand = 3;
//	}
//	message Precondition {
//	  int32 kind = 1;
//	  Timestamp update_time = 2;
//	}
//	message Overlay {
//	  int64 largest_batch_id = 1;
//	  Write mutation = 2;
//	}
//	message Timestamp {
//	  int64 seconds = 1;
//	  int32 nanos = 2;
//	}

// MutationQueueMetadata is the per-user state of a mutation queue.
type MutationQueueMetadata struct {
	// LastAcknowledgedBatchID is the id of the most recent batch acknowledged
	// by the backend, or zero.
	LastAcknowledgedBatchID BatchID
	// LastStreamToken is the token most recently received on the write stream.
	LastStreamToken []byte
}

// Marshal encodes the metadata.
func (m *MutationQueueMetadata) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.LastAcknowledgedBatchID))
	b = appendBytesField(b, 2, m.LastStreamToken)
	return b
}

// Unmarshal decodes data into m, overwriting all fields.
func (m *MutationQueueMetadata) Unmarshal(data []byte) error {
	*m = MutationQueueMetadata{}
	return consumeFields("mutation queue", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.LastAcknowledgedBatchID = BatchID(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			m.LastStreamToken = cloneBytes(v)
			return n, err
		}
		return -1, nil
	})
}

// Marshal encodes the batch.
func (mb *MutationBatch) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(mb.ID))
	b = appendBytesField(b, 2, []byte(mb.UserID))
	b = appendBytesField(b, 3, mb.StreamToken)
	for i := range mb.Mutations {
		b = appendMessageField(b, 4, marshalMutation(nil, &mb.Mutations[i]))
	}
	b = appendTimestampField(b, 5, mb.LocalWriteTime)
	return b
}

// Unmarshal decodes data into mb, overwriting all fields.
func (mb *MutationBatch) Unmarshal(data []byte) error {
	*mb = MutationBatch{}
	return consumeFields("write batch", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			mb.ID = BatchID(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			mb.UserID = string(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			mb.StreamToken = cloneBytes(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			var m Mutation
			if err := unmarshalMutation(v, &m); err != nil {
				return n, err
			}
			mb.Mutations = append(mb.Mutations, m)
			return n, nil
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			mb.LocalWriteTime, err = unmarshalTimestamp(v)
			return n, err
		}
		return -1, nil
	})
}

// Marshal encodes the overlay.
func (o *Overlay) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(o.LargestBatchID))
	if m := marshalMutation(nil, &o.Mutation); len(m) > 0 {
		b = appendMessageField(b, 2, m)
	}
	return b
}

// Unmarshal decodes data into o, overwriting all fields.
func (o *Overlay) Unmarshal(data []byte) error {
	*o = Overlay{}
	return consumeFields("overlay", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			o.LargestBatchID = BatchID(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			return n, unmarshalMutation(v, &o.Mutation)
		}
		return -1, nil
	})
}

// MarshalMutation encodes a single mutation.
func MarshalMutation(m Mutation) []byte {
	return marshalMutation(nil, &m)
}

// UnmarshalMutation decodes a single mutation.
func UnmarshalMutation(data []byte) (Mutation, error) {
	var m Mutation
	err := unmarshalMutation(data, &m)
	return m, err
}

func marshalMutation(b []byte, m *Mutation) []byte {
	b = appendVarintField(b, 1, uint64(m.Type))
	b = appendBytesField(b, 2, []byte(m.Key.MapKey()))
	b = appendBytesField(b, 3, m.Value)
	for _, f := range m.UpdateMask {
		b = appendStringField(b, 4, f)
	}
	for _, ft := range m.FieldTransforms {
		var t []byte
		t = appendBytesField(t, 1, []byte(ft.FieldPath))
		t = appendVarintField(t, 2, uint64(ft.Kind))
		t = appendBytesField(t, 3, ft.Operand)
		b = appendMessageField(b, 5, t)
	}
	if m.Precondition.Kind != PreconditionNone || !m.Precondition.UpdateTime.IsZero() {
		var p []byte
		p = appendVarintField(p, 1, uint64(m.Precondition.Kind))
		p = appendTimestampField(p, 2, m.Precondition.UpdateTime)
		b = appendMessageField(b, 6, p)
	}
	return b
}

func unmarshalMutation(data []byte, m *Mutation) error {
	*m = Mutation{}
	return consumeFields("write", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.Type = MutationType(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			if err != nil || len(v) == 0 {
				return n, err
			}
			m.Key, err = ParseDocumentKey(string(v))
			if err != nil {
				return n, base.MarkCorruptionError(errors.Wrap(err, "localstore: decoding write key"))
			}
			return n, nil
		case 3:
			v, n, err := consumeBytes(typ, b)
			m.Value = cloneBytes(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			if err == nil {
				m.UpdateMask = append(m.UpdateMask, string(v))
			}
			return n, err
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			var ft FieldTransform
			err = consumeFields("field transform", v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, n, err := consumeBytes(typ, b)
					ft.FieldPath = string(v)
					return n, err
				case 2:
					v, n, err := consumeVarint(typ, b)
					ft.Kind = int32(v)
					return n, err
				case 3:
					v, n, err := consumeBytes(typ, b)
					ft.Operand = cloneBytes(v)
					return n, err
				}
				return -1, nil
			})
			m.FieldTransforms = append(m.FieldTransforms, ft)
			return n, err
		case 6:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return n, err
			}
			err = consumeFields("precondition", v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, n, err := consumeVarint(typ, b)
					m.Precondition.Kind = PreconditionKind(v)
					return n, err
				case 2:
					v, n, err := consumeBytes(typ, b)
					if err != nil {
						return n, err
					}
					m.Precondition.UpdateTime, err = unmarshalTimestamp(v)
					return n, err
				}
				return -1, nil
			})
			return n, err
		}
		return -1, nil
	})
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	return appendMessageField(b, num, v)
}

// appendStringField appends a repeated string element, which is written even
// when empty.
func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendMessageField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendTimestampField(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	var ts []byte
	ts = appendVarintField(ts, 1, uint64(t.Unix()))
	ts = appendVarintField(ts, 2, uint64(t.Nanosecond()))
	return appendMessageField(b, num, ts)
}

func unmarshalTimestamp(data []byte) (time.Time, error) {
	var secs, nanos int64
	err := consumeFields("timestamp", data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			secs = int64(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			nanos = int64(v)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	if nanos < 0 || nanos >= int64(time.Second) {
		return time.Time{}, base.CorruptionErrorf("localstore: invalid timestamp nanos %d", nanos)
	}
	return time.Unix(secs, nanos).UTC(), nil
}

// consumeFields walks the fields of an encoded message. fn returns the number
// of bytes it consumed from b, or -1 to have an unknown field skipped.
func consumeFields(
	what string, data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error),
) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return base.MarkCorruptionError(errors.Wrapf(protowire.ParseError(n), "localstore: decoding %s", what))
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return base.MarkCorruptionError(errors.Wrapf(err, "localstore: decoding %s field %d", what, num))
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return base.MarkCorruptionError(errors.Wrapf(protowire.ParseError(m), "localstore: decoding %s", what))
			}
		}
		data = data[m:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Newf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Newf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
