package engine

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// A ParameterSet carries the positional arguments of one procedure or
// fragment invocation. Values are int64, string or []byte.
type ParameterSet struct {
	Values []interface{}
}

func NewParameterSet(values ...interface{}) *ParameterSet {
	return &ParameterSet{Values: values}
}

func (ps *ParameterSet) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.Values)
}

func (ps *ParameterSet) Int(i int) (int64, error) {
	if i >= ps.Len() {
		return 0, errors.Errorf("parameter %d out of range (%d values)", i, ps.Len())
	}
	v, ok := ps.Values[i].(int64)
	if !ok {
		return 0, errors.Errorf("parameter %d is %T, not int64", i, ps.Values[i])
	}
	return v, nil
}

func (ps *ParameterSet) String(i int) (string, error) {
	if i >= ps.Len() {
		return "", errors.Errorf("parameter %d out of range (%d values)", i, ps.Len())
	}
	v, ok := ps.Values[i].(string)
	if !ok {
		return "", errors.Errorf("parameter %d is %T, not string", i, ps.Values[i])
	}
	return v, nil
}

const (
	tagInt   byte = 1
	tagStr   byte = 2
	tagBytes byte = 3
)

// Marshal encodes the parameter set with a tag-prefixed binary layout. The
// encoding owns no references into ps, so the source buffer may be reused
// after dispatch.
func (ps *ParameterSet) Marshal() ([]byte, error) {
	buf := make([]byte, 0, 8+ps.Len()*9)
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(ps.Len()))
	buf = append(buf, scratch[:n]...)
	for i, v := range ps.Values {
		switch v := v.(type) {
		case int64:
			buf = append(buf, tagInt)
			n = binary.PutVarint(scratch[:], v)
			buf = append(buf, scratch[:n]...)
		case string:
			buf = append(buf, tagStr)
			n = binary.PutUvarint(scratch[:], uint64(len(v)))
			buf = append(buf, scratch[:n]...)
			buf = append(buf, v...)
		case []byte:
			buf = append(buf, tagBytes)
			n = binary.PutUvarint(scratch[:], uint64(len(v)))
			buf = append(buf, scratch[:n]...)
			buf = append(buf, v...)
		default:
			return nil, errors.Errorf("parameter %d has unsupported type %T", i, v)
		}
	}
	return buf, nil
}

// UnmarshalParameterSet decodes a buffer produced by Marshal. The result
// shares no storage with b.
func UnmarshalParameterSet(b []byte) (*ParameterSet, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, errors.New("parameter set: bad count")
	}
	b = b[n:]
	ps := &ParameterSet{Values: make([]interface{}, 0, count)}
	for i := uint64(0); i < count; i++ {
		if len(b) == 0 {
			return nil, errors.Errorf("parameter set: truncated at value %d", i)
		}
		tag := b[0]
		b = b[1:]
		switch tag {
		case tagInt:
			v, n := binary.Varint(b)
			if n <= 0 {
				return nil, errors.Errorf("parameter set: bad int at value %d", i)
			}
			b = b[n:]
			ps.Values = append(ps.Values, v)
		case tagStr, tagBytes:
			size, n := binary.Uvarint(b)
			if n <= 0 || uint64(len(b[n:])) < size {
				return nil, errors.Errorf("parameter set: bad length at value %d", i)
			}
			b = b[n:]
			data := make([]byte, size)
			copy(data, b[:size])
			b = b[size:]
			if tag == tagStr {
				ps.Values = append(ps.Values, string(data))
			} else {
				ps.Values = append(ps.Values, data)
			}
		default:
			return nil, errors.Errorf("parameter set: unknown tag %d", tag)
		}
	}
	return ps, nil
}

// MarshalRow encodes a row as a varint count plus varint columns.
func MarshalRow(r Row) []byte {
	var scratch [binary.MaxVarintLen64]byte
	buf := make([]byte, 0, 4+len(r)*4)
	n := binary.PutUvarint(scratch[:], uint64(len(r)))
	buf = append(buf, scratch[:n]...)
	for _, col := range r {
		n = binary.PutVarint(scratch[:], col)
		buf = append(buf, scratch[:n]...)
	}
	return buf
}

func UnmarshalRow(b []byte) (Row, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, errors.New("row: bad column count")
	}
	b = b[n:]
	row := make(Row, 0, count)
	for i := uint64(0); i < count; i++ {
		v, n := binary.Varint(b)
		if n <= 0 {
			return nil, errors.Errorf("row: bad column %d", i)
		}
		b = b[n:]
		row = append(row, v)
	}
	return row, nil
}
