package execsite

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
)

// router fans work messages out to the partition executors this site owns.
type router struct {
	executors sync.Map // partition id -> *PartitionExecutor
}

func newRouter() *router {
	return &router{}
}

func (r *router) register(pe *PartitionExecutor) {
	r.executors.Store(pe.PartitionID(), pe)
}

func (r *router) get(partitionID int) *PartitionExecutor {
	v, ok := r.executors.Load(partitionID)
	if !ok {
		return nil
	}
	return v.(*PartitionExecutor)
}

// Send implements message.Router.
func (r *router) Send(partitionID int, msg message.Msg) error {
	pe := r.get(partitionID)
	if pe == nil {
		return errors.Annotatef(message.ErrPartitionNotFound, "partition %d", partitionID)
	}
	switch msg.Type {
	case message.MsgTypeInitiate:
		return pe.QueueInitiate(msg.Data.(*message.MsgInitiate))
	case message.MsgTypeFragment:
		return pe.QueueFragment(msg.Data.(*message.MsgFragment))
	case message.MsgTypePrepare:
		return pe.QueuePrepare(msg.Data.(*message.MsgPrepare))
	case message.MsgTypeFinish:
		return pe.QueueFinish(msg.Data.(*message.MsgFinish))
	default:
		return errors.Errorf("router cannot deliver message type %d", msg.Type)
	}
}

func (r *router) each(fn func(pe *PartitionExecutor)) {
	r.executors.Range(func(_, v interface{}) bool {
		fn(v.(*PartitionExecutor))
		return true
	})
}
