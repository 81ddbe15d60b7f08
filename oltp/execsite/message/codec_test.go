package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltp-incubator/tinyoltp/oltp/engine"
)

func TestFragmentCodecRoundTrip(t *testing.T) {
	params, err := engine.NewParameterSet(int64(7), "x").Marshal()
	require.NoError(t, err)

	in := &MsgFragment{
		TxnID:           100,
		CoordTxnID:      55,
		SourcePartition: 0,
		DestPartition:   1,
		FragmentIDs:     []int32{10, 11},
		ParamBlobs:      [][]byte{params, nil},
		InputDepIDs:     []int32{9},
		OutputDepIDs:    []int32{20, 21},
		ViaCoordinator:  true,
		SysProc:         false,
		Attached: map[int32][]*engine.Table{
			9: {engine.NewTable(engine.Row{1, 2}, engine.Row{3, 4})},
		},
	}

	out, err := UnmarshalFragment(MarshalFragment(in))
	require.NoError(t, err)

	assert.Equal(t, in.TxnID, out.TxnID)
	assert.Equal(t, in.CoordTxnID, out.CoordTxnID)
	assert.Equal(t, in.SourcePartition, out.SourcePartition)
	assert.Equal(t, in.DestPartition, out.DestPartition)
	assert.Equal(t, in.FragmentIDs, out.FragmentIDs)
	assert.Equal(t, in.InputDepIDs, out.InputDepIDs)
	assert.Equal(t, in.OutputDepIDs, out.OutputDepIDs)
	assert.True(t, out.ViaCoordinator)
	assert.False(t, out.SysProc)
	require.Len(t, out.ParamBlobs, 2)
	assert.Equal(t, params, out.ParamBlobs[0])
	require.Contains(t, out.Attached, int32(9))
	assert.Equal(t, engine.Row{3, 4}, out.Attached[9][0].Rows[1])

	// the decoded parameter blob still decodes to the original values
	ps, err := engine.UnmarshalParameterSet(out.ParamBlobs[0])
	require.NoError(t, err)
	v, err := ps.Int(0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestFragmentCodecTruncated(t *testing.T) {
	buf := MarshalFragment(&MsgFragment{TxnID: 1, FragmentIDs: []int32{1}, ParamBlobs: [][]byte{nil}, OutputDepIDs: []int32{2}})
	for _, cut := range []int{0, 1, len(buf) / 2} {
		_, err := UnmarshalFragment(buf[:cut])
		assert.Error(t, err)
	}
}
