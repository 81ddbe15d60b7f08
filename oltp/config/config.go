package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Backend selects what is actually executing plan fragments underneath a
// partition executor.
type Backend string

const (
	// BackendMock keeps all tables in process memory. Used by tests and the
	// default for a fresh checkout.
	BackendMock Backend = "mock"
	// BackendBadger stores table data in a badger DB under Engine.DBPath.
	BackendBadger Backend = "badger"
)

type Config struct {
	Site     Site
	Executor Executor
	Engine   Engine
	Pools    Pools
}

type Site struct {
	SiteID     int
	StatusAddr string
	LogLevel   string

	// Partition ids owned by this site. Each gets its own executor thread.
	Partitions []int

	// Total number of partitions across the cluster.
	NumPartitions int

	// Pin each partition executor goroutine to an OS thread.
	PinThreads bool
}

type Executor struct {
	// How long the main loop blocks on the work queue before advancing
	// engine ticks. Must not exceed 500ms.
	PollTimeout time.Duration

	// Minimum wall time between engine ticks.
	TickInterval time.Duration

	// How long a finished transaction state is kept before it is cleaned up.
	GCInterval time.Duration

	// Upper bound on transaction states cleaned per poll round.
	GCMaxPerPoll int

	// Reusable procedure instances kept per procedure name.
	ProcPoolSize int

	// Work queue capacity per partition.
	WorkQueueCap int

	// Outbound dependency-set bytes per second, 0 disables the limiter.
	DepSetBytesPerSec int
}

type Engine struct {
	Backend Backend
	DBPath  string

	// badger tuning, ignored by the mock backend
	ValueThreshold int
	NumCompactors  int
	SyncWrites     bool
}

type Pools struct {
	Profiling bool

	TxnLocalIdle       int
	TxnRemoteIdle      int
	DependencyInfoIdle int
	CallbackIdle       int
}

func (c *Config) Validate() error {
	if len(c.Site.Partitions) == 0 {
		return errors.New("a site must own at least one partition")
	}
	if c.Site.NumPartitions < len(c.Site.Partitions) {
		return errors.Errorf("cluster has %d partitions but site owns %d",
			c.Site.NumPartitions, len(c.Site.Partitions))
	}
	for _, p := range c.Site.Partitions {
		if p < 0 || p >= c.Site.NumPartitions {
			return errors.Errorf("partition id %d out of range [0, %d)", p, c.Site.NumPartitions)
		}
	}
	if c.Executor.PollTimeout <= 0 || c.Executor.PollTimeout > 500*time.Millisecond {
		return errors.Errorf("poll timeout %s must be in (0, 500ms]", c.Executor.PollTimeout)
	}
	if c.Executor.GCMaxPerPoll <= 0 {
		return errors.New("gc max per poll must be greater than 0")
	}
	if c.Executor.ProcPoolSize <= 0 {
		return errors.New("procedure pool size must be greater than 0")
	}
	switch c.Engine.Backend {
	case BackendMock:
	case BackendBadger:
		if c.Engine.DBPath == "" {
			return errors.New("badger backend requires a DB path")
		}
	default:
		return errors.Errorf("unknown engine backend %q", c.Engine.Backend)
	}
	return nil
}

func getLogLevel() string {
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		return l
	}
	return "info"
}

func NewDefaultConfig() *Config {
	return &Config{
		Site: Site{
			SiteID:        0,
			StatusAddr:    "127.0.0.1:20181",
			LogLevel:      getLogLevel(),
			Partitions:    []int{0},
			NumPartitions: 1,
			PinThreads:    false,
		},
		Executor: Executor{
			PollTimeout:       500 * time.Millisecond,
			TickInterval:      time.Second,
			GCInterval:        2 * time.Second,
			GCMaxPerPoll:      10,
			ProcPoolSize:      5,
			WorkQueueCap:      40960,
			DepSetBytesPerSec: 0,
		},
		Engine: Engine{
			Backend:        BackendMock,
			DBPath:         "/tmp/tinyoltp",
			ValueThreshold: 256,
			NumCompactors:  1,
			SyncWrites:     true,
		},
		Pools: Pools{
			Profiling:          false,
			TxnLocalIdle:       500,
			TxnRemoteIdle:      500,
			DependencyInfoIdle: 500,
			CallbackIdle:       500,
		},
	}
}

// LoadFromFile overlays the config at path on top of c.
func LoadFromFile(c *Config, path string) error {
	_, err := toml.DecodeFile(path, c)
	return errors.WithStack(err)
}
