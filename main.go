// Command xhash-proxy bridges EthProxy/Stratum GPU miners to an upstream
// getwork-only JSON-RPC node.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/prlxnet/xhash-proxy/api"
	"github.com/prlxnet/xhash-proxy/proxy"
	"github.com/prlxnet/xhash-proxy/rpc"
)

// options is the CLI surface: --rpc-url, --host, --port, --poll,
// --log-level, plus the stats API and New Relic APM flags.
type options struct {
	RPCURL  string  `long:"rpc-url" default:"http://127.0.0.1:8545" description:"upstream node HTTP RPC URL"`
	Host    string  `long:"host" default:"0.0.0.0" description:"stratum listen host"`
	Port    string  `long:"port" default:"4444" description:"stratum listen port"`
	Poll    float64 `long:"poll" default:"0.5" description:"work poll interval in seconds"`
	LogLvl  string  `long:"log-level" default:"INFO" choice:"DEBUG" choice:"INFO" choice:"WARNING" choice:"ERROR" description:"log verbosity"`
	Stats   string  `long:"stats-listen" default:"127.0.0.1:8080" description:"stats API listen address"`
	NRName  string  `long:"newrelic-name" description:"New Relic application name"`
	NRKey   string  `long:"newrelic-key" description:"New Relic license key"`
	NRDebug bool    `long:"newrelic-verbose" description:"verbose New Relic agent logging"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	proxy.SetLogLevel(proxy.ParseLogLevel(opts.LogLvl))

	client, err := rpc.NewClient("upstream", opts.RPCURL)
	if err != nil {
		log.Fatalf("main: cannot create rpc client: %v", err)
	}
	defer client.Close()

	probeUpstream(client)

	cfg := &proxy.Config{
		RPCURL:       opts.RPCURL,
		ListenHost:   opts.Host,
		ListenPort:   opts.Port,
		PollInterval: time.Duration(opts.Poll * float64(time.Second)),
	}
	ps := proxy.NewProxyServer(cfg, client)

	proxy.StartNewRelic(proxy.NewRelicConfig{
		Name:    opts.NRName,
		Key:     opts.NRKey,
		Verbose: opts.NRDebug,
		Enabled: opts.NRKey != "",
	})

	statsLogger := ps.StartStatsLogger("@every 1m")
	defer statsLogger.Stop()

	go func() {
		statsSrv := api.NewServer(ps)
		if err := statsSrv.ListenAndServe(opts.Stats); err != nil {
			log.Printf("main: stats API stopped: %v", err)
		}
	}()

	stopPoll := make(chan struct{})
	go ps.PollLoop(cfg.PollInterval, stopPoll)

	listenAddr := fmt.Sprintf("%s:%s", opts.Host, opts.Port)
	log.Printf("xhash-proxy starting")
	log.Printf("  upstream: %s", opts.RPCURL)
	log.Printf("  stratum:  %s", listenAddr)
	log.Printf("  poll:     %.2fs", opts.Poll)

	go func() {
		if err := ps.ListenAndServe(listenAddr); err != nil {
			log.Fatalf("main: stratum listener failed: %v", err)
		}
	}()

	waitForShutdown()
	close(stopPoll)
	log.Printf("xhash-proxy stopped")
}

// probeUpstream verifies reachability before the listener opens. Any
// connection/RPC error aborts with exit 1; a null getWork result is only a
// warning.
func probeUpstream(client *rpc.Client) {
	blockNum, err := client.BlockNumber()
	if err != nil {
		log.Fatalf("main: cannot reach upstream node: %v", err)
	}
	mining, err := client.MiningActive()
	if err != nil {
		log.Fatalf("main: cannot reach upstream node: %v", err)
	}
	work := client.GetWork()

	available := "available"
	if work == nil {
		available = "NOT AVAILABLE"
		log.Printf("main: eth_getWork returned nothing - is mining enabled?")
	}
	log.Printf("main: node OK block=%d mining=%v getWork=%s", blockNum, mining, available)
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
