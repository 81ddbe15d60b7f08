package coordinator

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/execsite"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
)

// Cluster stitches the sites of one process into a cluster, standing in for
// the network transport: a cluster-wide router plus a per-site messenger.
// Tests and the single-binary server run on it; a networked deployment
// replaces it behind the same interfaces.
type Cluster struct {
	mu         sync.RWMutex
	sites      map[int]*execsite.Site
	partitions map[int]int // partition id -> owning site id
}

func NewCluster() *Cluster {
	return &Cluster{
		sites:      make(map[int]*execsite.Site),
		partitions: make(map[int]int),
	}
}

// Join registers a site and wires its messenger and coordinator.
func (c *Cluster) Join(s *execsite.Site) {
	c.mu.Lock()
	c.sites[s.SiteID()] = s
	for _, pe := range s.Executors() {
		c.partitions[pe.PartitionID()] = s.SiteID()
	}
	c.mu.Unlock()

	cfg := s.Config()
	s.SetMessenger(&clusterMessenger{cluster: c, siteID: s.SiteID()})
	s.SetCoordinator(New(s.SiteID(), c.Router(), s.Pools(),
		cfg.Pools.CallbackIdle, cfg.Pools.Profiling))
}

// Router returns the cluster-wide partition router.
func (c *Cluster) Router() message.Router {
	return &clusterRouter{cluster: c}
}

func (c *Cluster) site(partitionID int) *execsite.Site {
	c.mu.RLock()
	defer c.mu.RUnlock()
	siteID, ok := c.partitions[partitionID]
	if !ok {
		return nil
	}
	return c.sites[siteID]
}

// Executor resolves the executor owning a partition, anywhere in the
// cluster.
func (c *Cluster) Executor(partitionID int) *execsite.PartitionExecutor {
	s := c.site(partitionID)
	if s == nil {
		return nil
	}
	return s.Executor(partitionID)
}

// Shutdown stops every site.
func (c *Cluster) Shutdown() {
	c.mu.RLock()
	sites := make([]*execsite.Site, 0, len(c.sites))
	for _, s := range c.sites {
		sites = append(sites, s)
	}
	c.mu.RUnlock()
	for _, s := range sites {
		s.Shutdown()
	}
}

type clusterRouter struct {
	cluster *Cluster
}

func (r *clusterRouter) Send(partitionID int, msg message.Msg) error {
	s := r.cluster.site(partitionID)
	if s == nil {
		return errors.Annotatef(message.ErrPartitionNotFound, "partition %d", partitionID)
	}
	return s.Router().Send(partitionID, msg)
}

// clusterMessenger is the in-process transport of one site.
type clusterMessenger struct {
	cluster *Cluster
	siteID  int
}

func (m *clusterMessenger) SendDependencySet(ds *message.DependencySetMsg) error {
	pe := m.cluster.Executor(ds.DstPartition)
	if pe == nil {
		return errors.Annotatef(message.ErrPartitionNotFound,
			"dependency set for partition %d", ds.DstPartition)
	}
	pe.StoreDependency(ds)
	return nil
}

func (m *clusterMessenger) ForwardInitiate(msg *message.MsgInitiate, respond func(*message.ClientResponse)) error {
	s := m.cluster.site(msg.BasePartition)
	if s == nil {
		return errors.Annotatef(message.ErrPartitionNotFound,
			"redirect for partition %d", msg.BasePartition)
	}
	if s.SiteID() == m.siteID {
		return errors.Errorf("redirect loop: partition %d is local to site %d",
			msg.BasePartition, m.siteID)
	}
	forwarded := *msg
	forwarded.Respond = respond
	log.Debug("forwarding redirected transaction",
		zap.Uint64("txn", msg.TxnID),
		zap.Int("fromSite", m.siteID),
		zap.Int("toSite", s.SiteID()))
	return s.SubmitTransaction(&forwarded)
}

func (m *clusterMessenger) Stop() {}
