package message

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
)

// The coordinator ships fragment tasks as opaque work bytes. This codec is
// the length-prefixed layout those bytes use. Respond callbacks do not
// travel; the receiving side re-attaches its own.

type encoder struct {
	buf     []byte
	scratch [binary.MaxVarintLen64]byte
}

func (e *encoder) uvarint(v uint64) {
	n := binary.PutUvarint(e.scratch[:], v)
	e.buf = append(e.buf, e.scratch[:n]...)
}

func (e *encoder) int32s(vals []int32) {
	e.uvarint(uint64(len(vals)))
	for _, v := range vals {
		e.uvarint(uint64(uint32(v)))
	}
}

func (e *encoder) bytes(b []byte) {
	e.uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) table(t *engine.Table) {
	e.uvarint(uint64(t.RowCount()))
	if t == nil {
		return
	}
	for _, row := range t.Rows {
		e.bytes(engine.MarshalRow(row))
	}
}

type decoder struct {
	buf []byte
}

func (d *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		return 0, errors.New("fragment codec: bad uvarint")
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *decoder) int32s() ([]int32, error) {
	count, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	out := make([]int32, 0, count)
	for i := uint64(0); i < count; i++ {
		v, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		out = append(out, int32(uint32(v)))
	}
	return out, nil
}

func (d *decoder) bytes() ([]byte, error) {
	size, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)) < size {
		return nil, errors.New("fragment codec: truncated bytes")
	}
	out := make([]byte, size)
	copy(out, d.buf[:size])
	d.buf = d.buf[size:]
	return out, nil
}

func (d *decoder) bool() (bool, error) {
	if len(d.buf) == 0 {
		return false, errors.New("fragment codec: truncated bool")
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v != 0, nil
}

func (d *decoder) table() (*engine.Table, error) {
	count, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	t := &engine.Table{Rows: make([]engine.Row, 0, count)}
	for i := uint64(0); i < count; i++ {
		raw, err := d.bytes()
		if err != nil {
			return nil, err
		}
		row, err := engine.UnmarshalRow(raw)
		if err != nil {
			return nil, err
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// MarshalFragment encodes m as coordinator work bytes.
func MarshalFragment(m *MsgFragment) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.uvarint(m.TxnID)
	e.uvarint(m.CoordTxnID)
	e.uvarint(uint64(m.SourcePartition))
	e.uvarint(uint64(m.DestPartition))
	e.int32s(m.FragmentIDs)
	e.uvarint(uint64(len(m.ParamBlobs)))
	for _, blob := range m.ParamBlobs {
		e.bytes(blob)
	}
	e.int32s(m.InputDepIDs)
	e.int32s(m.OutputDepIDs)
	e.bool(m.ViaCoordinator)
	e.bool(m.SysProc)
	e.uvarint(uint64(len(m.Attached)))
	for depID, tables := range m.Attached {
		e.uvarint(uint64(uint32(depID)))
		e.uvarint(uint64(len(tables)))
		for _, t := range tables {
			e.table(t)
		}
	}
	return e.buf
}

// UnmarshalFragment decodes coordinator work bytes back into a fragment
// task.
func UnmarshalFragment(b []byte) (*MsgFragment, error) {
	d := &decoder{buf: b}
	m := &MsgFragment{}
	var err error
	if m.TxnID, err = d.uvarint(); err != nil {
		return nil, err
	}
	if m.CoordTxnID, err = d.uvarint(); err != nil {
		return nil, err
	}
	src, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	m.SourcePartition = int(src)
	dst, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	m.DestPartition = int(dst)
	if m.FragmentIDs, err = d.int32s(); err != nil {
		return nil, err
	}
	blobCount, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	m.ParamBlobs = make([][]byte, 0, blobCount)
	for i := uint64(0); i < blobCount; i++ {
		blob, err := d.bytes()
		if err != nil {
			return nil, err
		}
		m.ParamBlobs = append(m.ParamBlobs, blob)
	}
	if m.InputDepIDs, err = d.int32s(); err != nil {
		return nil, err
	}
	if m.OutputDepIDs, err = d.int32s(); err != nil {
		return nil, err
	}
	if m.ViaCoordinator, err = d.bool(); err != nil {
		return nil, err
	}
	if m.SysProc, err = d.bool(); err != nil {
		return nil, err
	}
	attachedCount, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if attachedCount > 0 {
		m.Attached = make(map[int32][]*engine.Table, attachedCount)
		for i := uint64(0); i < attachedCount; i++ {
			depID, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			tableCount, err := d.uvarint()
			if err != nil {
				return nil, err
			}
			tables := make([]*engine.Table, 0, tableCount)
			for j := uint64(0); j < tableCount; j++ {
				t, err := d.table()
				if err != nil {
					return nil, err
				}
				tables = append(tables, t)
			}
			m.Attached[int32(uint32(depID))] = tables
		}
	}
	return m, nil
}
