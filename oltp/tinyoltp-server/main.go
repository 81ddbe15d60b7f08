package main

import (
	"encoding/json"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/oltp-incubator/tinyoltp/oltp/config"
	"github.com/oltp-incubator/tinyoltp/oltp/coordinator"
	"github.com/oltp-incubator/tinyoltp/oltp/engine"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/message"
	"github.com/oltp-incubator/tinyoltp/oltp/execsite/procs"
)

var (
	configPath = flag.String("config", "", "config file path")
	statusAddr = flag.String("status-addr", "", "status http address")
)

const (
	fragKVGet int32 = 1
	fragKVPut int32 = 2
)

func main() {
	flag.Parse()
	conf := loadConfig()
	if *statusAddr != "" {
		conf.Site.StatusAddr = *statusAddr
	}
	initLogger(conf)

	reg := procs.NewRegistry()
	reg.Register("GetValue", func() procs.Procedure { return &getValueProc{} })
	reg.Register("PutValue", func() procs.Procedure { return &putValueProc{} })

	site, err := execsite.NewSite(conf, reg, demoCatalog())
	if err != nil {
		log.Fatal("building site", zap.Error(err))
	}
	cluster := coordinator.NewCluster()
	cluster.Join(site)
	site.Start()

	go serveStatus(conf, site)
	handleSignal(site)

	log.Info("tinyoltp server is up",
		zap.Int("site", conf.Site.SiteID),
		zap.Ints("partitions", conf.Site.Partitions),
		zap.String("backend", string(conf.Engine.Backend)))
	select {}
}

func loadConfig() *config.Config {
	conf := config.NewDefaultConfig()
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, conf); err != nil {
			panic(err)
		}
	}
	if err := conf.Validate(); err != nil {
		panic(err)
	}
	return conf
}

func initLogger(conf *config.Config) {
	lg, props, err := log.InitLogger(&log.Config{Level: conf.Site.LogLevel})
	if err != nil {
		panic(err)
	}
	log.ReplaceGlobals(lg, props)
}

func serveStatus(conf *config.Config, site *execsite.Site) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(site.Status()); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	log.Info("status server listening", zap.String("addr", conf.Site.StatusAddr))
	if err := http.ListenAndServe(conf.Site.StatusAddr, nil); err != nil {
		log.Fatal("status server", zap.Error(err))
	}
}

func handleSignal(site *execsite.Site) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.Info("got signal to exit", zap.String("signal", sig.String()))
		site.Shutdown()
		os.Exit(0)
	}()
}

// demoCatalog is the built-in schema the server binary ships with: one kv
// table plus get/put fragments, enough to exercise the executor end to end.
func demoCatalog() *engine.Catalog {
	cat := engine.NewCatalog()
	cat.AddTable("kv")
	cat.AddFragment(engine.FragmentSpec{
		ID:       fragKVGet,
		ReadOnly: true,
		Func: func(txn engine.Txn, ctx *engine.FragmentContext) (*engine.Table, error) {
			key, err := ctx.Params.Int(0)
			if err != nil {
				return nil, err
			}
			row, ok, err := txn.Get("kv", key)
			if err != nil || !ok {
				return engine.NewTable(), err
			}
			return engine.NewTable(row), nil
		},
	})
	cat.AddFragment(engine.FragmentSpec{
		ID: fragKVPut,
		Func: func(txn engine.Txn, ctx *engine.FragmentContext) (*engine.Table, error) {
			key, err := ctx.Params.Int(0)
			if err != nil {
				return nil, err
			}
			val, err := ctx.Params.Int(1)
			if err != nil {
				return nil, err
			}
			if err := txn.Put("kv", key, engine.Row{key, val}); err != nil {
				return nil, err
			}
			return engine.NewTable(engine.Row{1}), nil
		},
	})
	return cat
}

type getValueProc struct{}

func (p *getValueProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	task, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		fragKVGet, 1, ctx.Params())
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{task})
}

type putValueProc struct{}

func (p *putValueProc) Run(ctx procs.Context) ([]*engine.Table, error) {
	task, err := procs.NewFragmentTask(ctx.TxnID(), ctx.PartitionID(), ctx.PartitionID(),
		fragKVPut, 1, ctx.Params())
	if err != nil {
		return nil, err
	}
	return ctx.ExecuteBatch([]*message.MsgFragment{task})
}
