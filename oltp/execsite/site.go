package execsite

import (
	"strconv"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/disk"
	"github.com/shirou/gopsutil/mem"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/config"
	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/callbacks"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/procs"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/txns"
	"github.com/oltp-incubator/tinyoltp/oltp/metrics"
	"github.com/oltp-incubator/tinyoltp/oltp/pool"
)

// Site is the per-process supervisor: it owns the partition executors, the
// object pools and the wiring to the messenger and coordinator. All state is
// scoped here; nothing is process-global.
type Site struct {
	cfg    *config.Config
	siteID int

	router    *router
	executors []*PartitionExecutor

	pools        *pool.Registry
	depPool      *pool.ObjectPool
	localPool    *pool.ObjectPool
	remotePool   *pool.ObjectPool
	redirectPool *pool.ObjectPool

	procReg   *procs.Registry
	messenger message.Messenger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// EngineBuilder constructs the storage engine for one partition.
type EngineBuilder func(partitionID int) (engine.Engine, error)

// NewSite builds the executors and pools for every partition the config
// assigns to this site, with engines picked by the config's backend. The
// catalog is loaded into each partition's engine.
func NewSite(cfg *config.Config, reg *procs.Registry, cat *engine.Catalog) (*Site, error) {
	return NewSiteWithEngineBuilder(cfg, reg, cat, func(partitionID int) (engine.Engine, error) {
		return buildEngine(partitionID, cfg)
	})
}

// NewSiteWithEngineBuilder is NewSite with the engine construction swapped
// out, for tests that wrap or stub the engine.
func NewSiteWithEngineBuilder(cfg *config.Config, reg *procs.Registry, cat *engine.Catalog, build EngineBuilder) (*Site, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Site{
		cfg:     cfg,
		siteID:  cfg.Site.SiteID,
		router:  newRouter(),
		pools:   pool.NewRegistry(),
		procReg: reg,
	}
	profiling := cfg.Pools.Profiling
	s.depPool = s.pools.Register(pool.NewObjectPool(
		"dependency-info", cfg.Pools.DependencyInfoIdle, profiling,
		func() pool.Poolable { return txns.NewDependencyInfo() }))
	s.localPool = s.pools.Register(pool.NewObjectPool(
		"txn-state-local", cfg.Pools.TxnLocalIdle, profiling,
		func() pool.Poolable { return txns.NewLocalTransaction(s.depPool) }))
	s.remotePool = s.pools.Register(pool.NewObjectPool(
		"txn-state-remote", cfg.Pools.TxnRemoteIdle, profiling,
		func() pool.Poolable { return txns.NewRemoteTransaction() }))
	s.redirectPool = s.pools.Register(pool.NewObjectPool(
		"callback-redirect", cfg.Pools.CallbackIdle, profiling,
		func() pool.Poolable { return callbacks.NewRedirectCallback(s.redirectPool) }))

	for _, partitionID := range cfg.Site.Partitions {
		eng, err := build(partitionID)
		if err != nil {
			return nil, err
		}
		if err := eng.LoadCatalog(cat); err != nil {
			return nil, errors.Annotatef(err, "loading catalog on partition %d", partitionID)
		}
		procMgr := procs.NewManager(reg, cfg.Executor.ProcPoolSize)
		pe := NewPartitionExecutor(partitionID, s.siteID, cfg, eng, procMgr, ExecutorPools{
			Local:  s.localPool,
			Remote: s.remotePool,
		})
		pe.SetFatalHandler(s.ShutdownCluster)
		s.executors = append(s.executors, pe)
		s.router.register(pe)
	}
	return s, nil
}

func buildEngine(partitionID int, cfg *config.Config) (engine.Engine, error) {
	switch cfg.Engine.Backend {
	case config.BackendMock:
		return engine.NewMockEngine(partitionID), nil
	case config.BackendBadger:
		db, err := engine.CreateDB(partitionLabel(partitionID), &cfg.Engine)
		if err != nil {
			return nil, errors.Annotatef(err, "opening badger for partition %d", partitionID)
		}
		return engine.NewBadgerEngine(partitionID, db), nil
	default:
		return nil, errors.Errorf("unknown engine backend %q", cfg.Engine.Backend)
	}
}

func (s *Site) SiteID() int { return s.siteID }

func (s *Site) Config() *config.Config { return s.cfg }

func (s *Site) Router() message.Router { return s.router }

func (s *Site) Executors() []*PartitionExecutor { return s.executors }

func (s *Site) Executor(partitionID int) *PartitionExecutor { return s.router.get(partitionID) }

func (s *Site) Pools() *pool.Registry { return s.pools }

// SetMessenger wires the inter-site transport into every executor.
func (s *Site) SetMessenger(m message.Messenger) {
	s.messenger = m
	for _, pe := range s.executors {
		pe.SetMessenger(m)
	}
}

// SetCoordinator wires the cross-partition request service into every
// executor.
func (s *Site) SetCoordinator(c message.Coordinator) {
	for _, pe := range s.executors {
		pe.SetCoordinator(c)
	}
}

// Start launches one goroutine per partition executor.
func (s *Site) Start() {
	for _, pe := range s.executors {
		s.wg.Add(1)
		go pe.Run(&s.wg)
	}
	log.Info("site started",
		zap.Int("site", s.siteID),
		zap.Int("partitions", len(s.executors)))
}

// SubmitTransaction is the client entry point. A request whose base
// partition lives elsewhere is forwarded through the redirect callback
// pair; its response comes back through the original channel.
func (s *Site) SubmitTransaction(m *message.MsgInitiate) error {
	if pe := s.router.get(m.BasePartition); pe != nil {
		return pe.QueueInitiate(m)
	}
	if s.messenger == nil {
		return errors.Annotatef(message.ErrPartitionNotFound,
			"partition %d and no messenger to redirect", m.BasePartition)
	}
	cb := s.acquireRedirect()
	origRespond := m.Respond
	cb.ArmRedirect(m.TxnID, m.BasePartition, origRespond)
	forwarded := *m
	forwarded.Respond = func(resp *message.ClientResponse) {
		cb.RunResponse(resp)
		cb.Release()
	}
	log.Debug("redirecting transaction",
		zap.Uint64("txn", m.TxnID), zap.Int("basePartition", m.BasePartition))
	return s.messenger.ForwardInitiate(&forwarded, forwarded.Respond)
}

func (s *Site) acquireRedirect() *callbacks.RedirectCallback {
	return s.redirectPool.Acquire().(*callbacks.RedirectCallback)
}

// ShutdownCluster is the fatal-error escalation point. In-process it takes
// this site down; a networked deployment broadcasts first.
func (s *Site) ShutdownCluster(err error) {
	log.Error("shutting down cluster", zap.Int("site", s.siteID), zap.Error(err))
	go s.Shutdown()
}

// Shutdown stops the executors, the messenger and the engines, in that
// order.
func (s *Site) Shutdown() {
	s.stopOnce.Do(func() {
		for _, pe := range s.executors {
			pe.Shutdown()
		}
		s.wg.Wait()
		if s.messenger != nil {
			s.messenger.Stop()
		}
		for _, pe := range s.executors {
			if err := pe.Engine().Close(); err != nil {
				log.Error("closing engine", zap.Int("partition", pe.PartitionID()), zap.Error(err))
			}
		}
		log.Info("site stopped", zap.Int("site", s.siteID))
	})
}

// PartitionStatus is one executor's slice of the observability surface.
type PartitionStatus struct {
	PartitionID        int
	LastCommittedTxnID uint64
	LiveTxns           int
	Errors             int64
}

// SiteStatus is the supervisor's observability snapshot.
type SiteStatus struct {
	SiteID     int
	Partitions []PartitionStatus
	Pools      []pool.Stats

	MemUsedPercent  float64
	DiskUsedPercent float64
}

// Status gathers the snapshot and refreshes the pool gauges.
func (s *Site) Status() SiteStatus {
	st := SiteStatus{SiteID: s.siteID}
	for _, pe := range s.executors {
		st.Partitions = append(st.Partitions, PartitionStatus{
			PartitionID:        pe.PartitionID(),
			LastCommittedTxnID: pe.LastCommittedTxnID(),
			LiveTxns:           pe.LiveTxnCount(),
			Errors:             pe.ErrorCount(),
		})
	}
	st.Pools = s.pools.AllStats()
	for _, ps := range st.Pools {
		metrics.PoolIdle.WithLabelValues(ps.Name).Set(float64(ps.Idle))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		st.MemUsedPercent = vm.UsedPercent
	}
	if s.cfg.Engine.Backend == config.BackendBadger {
		if du, err := disk.Usage(s.cfg.Engine.DBPath); err == nil {
			st.DiskUsedPercent = du.UsedPercent
		}
	}
	return st
}

func partitionLabel(partitionID int) string {
	return "p" + strconv.Itoa(partitionID)
}
