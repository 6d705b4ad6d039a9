// Command tos-pool is the composition root for the pool coordinator: it
// loads configuration, wires the share store, peer policy, work
// distributor, share validator, Stratum server (plus its WebSocket/Xatum
// alternate transports), payout engine, read-only API, and ambient
// profiling/APM/webhook components, then runs until a shutdown signal
// arrives. Grounded on the teacher's cmd/tos-pool/main.go (flag parsing,
// signal-based graceful shutdown, component start/stop ordering).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tos-network/stratum-pool/internal/altstratum"
	"github.com/tos-network/stratum-pool/internal/api"
	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/distributor"
	"github.com/tos-network/stratum-pool/internal/header"
	"github.com/tos-network/stratum-pool/internal/newrelic"
	"github.com/tos-network/stratum-pool/internal/notify"
	"github.com/tos-network/stratum-pool/internal/payout"
	"github.com/tos-network/stratum-pool/internal/policy"
	"github.com/tos-network/stratum-pool/internal/profiling"
	"github.com/tos-network/stratum-pool/internal/rpc"
	"github.com/tos-network/stratum-pool/internal/store"
	"github.com/tos-network/stratum-pool/internal/stratum"
	"github.com/tos-network/stratum-pool/internal/target"
	"github.com/tos-network/stratum-pool/internal/toshash"
	"github.com/tos-network/stratum-pool/internal/util"
	"github.com/tos-network/stratum-pool/internal/validator"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("stratum-pool v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("stratum-pool v%s starting", version)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		util.Fatalf("failed to open share store: %v", err)
	}
	defer st.Close()

	node := rpc.NewTOSClient(cfg.Node.URL, cfg.Node.Timeout)
	if cfg.Pool.AccountName != "" {
		node.SetMinerAddress(cfg.Pool.AccountName)
	}
	var wallet *rpc.WalletClient
	if cfg.Wallet.URL != "" {
		wallet = rpc.NewWalletClient(cfg.Wallet.URL, cfg.Wallet.Username, cfg.Wallet.Password)
	}
	collab := rpc.NewCollaborators(node, wallet)

	policyCfg := policy.DefaultConfig()
	if cfg.Pool.MaxConnectionsPerIP >= 0 {
		policyCfg.MaxConnectionsPerIP = cfg.Pool.MaxConnectionsPerIP
	}
	policyCfg.BanningEnabled = cfg.Pool.Banning
	if cfg.Security.BanDuration > 0 {
		policyCfg.BanDuration = cfg.Security.BanDuration
	}
	if cfg.Security.ScoreDrainEvery > 0 {
		policyCfg.ScoreDrainInterval = cfg.Security.ScoreDrainEvery
	}
	if cfg.Security.BanScoreLimit > 0 {
		policyCfg.BanScoreLimit = cfg.Security.BanScoreLimit
	}
	policyServer := policy.NewServer(policyCfg)
	policyServer.Start()

	poolTarget := target.FromDifficulty(cfg.Pool.Difficulty)

	var notifier *notify.Notifier
	if cfg.Notify.DiscordWebhookURL != "" || cfg.Notify.TelegramBotToken != "" {
		notifier = notify.NewNotifier(&notify.WebhookConfig{
			DiscordURL:   cfg.Notify.DiscordWebhookURL,
			TelegramBot:  cfg.Notify.TelegramBotToken,
			TelegramChat: cfg.Notify.TelegramChatID,
			Enabled:      true,
			PoolName:     cfg.Pool.Name,
		})
	}

	// submitBlockFn forwards to the upstream node and, when a block was
	// accepted, fires the (optional) block-found webhook notification.
	submitBlockFn := collab.SubmitBlock
	if notifier != nil {
		submitBlockFn = func(tmpl header.Template) (bool, string, error) {
			added, reason, err := collab.SubmitBlock(tmpl)
			if err == nil && added {
				hb := header.Build(tmpl)
				notifier.NotifyBlockFound(notify.BlockEvent{
					Height: uint64(tmpl.Sequence),
					Hash:   fmt.Sprintf("%x", hb),
				}, target.ToDifficulty(tmpl.Target))
			}
			return added, reason, err
		}
	}

	stratumCfg := stratum.Config{
		Bind:           fmt.Sprintf("%s:%d", cfg.Pool.Host, cfg.Pool.Port),
		TLSBind:        cfg.Pool.TLSBind,
		TLSCert:        cfg.Pool.TLSCert,
		TLSKey:         cfg.Pool.TLSKey,
		PoolName:       cfg.Pool.Name,
		MinVersion:     cfg.Pool.MinClientVersion,
		CurrentVersion: cfg.Pool.MinClientVersion,
	}

	// dist is wired into the validator's template lookup by closure before
	// it is constructed, and into the Stratum server after, breaking the
	// three-way New(validator)<-Server->SetDistributor(dist)<-New(server)
	// construction cycle.
	var dist *distributor.Distributor
	lookup := func(mrid uint32) (validator.TemplateWithTarget, bool) {
		tmpl, ok := dist.Lookup(mrid)
		if !ok {
			return validator.TemplateWithTarget{}, false
		}
		return validator.TemplateWithTarget{Header: tmpl.Header}, true
	}
	hasher := func(h [header.Size]byte) [32]byte { return toshash.HeaderHash(h[:]) }
	v := validator.New(hasher, lookup, submitBlockFn, func(address string) error {
		_, err := st.NewShare(context.Background(), address)
		return err
	})

	stratumServer := stratum.New(stratumCfg, policyServer, v, collab.ValidateAddress, poolTarget)
	dist = distributor.New(collab.CalculateDifficulty, stratumServer)
	stratumServer.SetDistributor(dist)

	payoutCfg := payout.Config{
		PoolName:          cfg.Pool.Name,
		Asset:             "native",
		PeriodDuration:    cfg.Pool.PayoutPeriodDuration,
		ReconcileInterval: 30 * time.Second,
	}
	payoutEngine := payout.New(payoutCfg, st, collab)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, st, node, wallet)
	}

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
	}

	var nrAgent *newrelic.Agent
	if cfg.NewRelic.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.NewRelic)
	}

	var wsServer *altstratum.WebSocketServer
	if cfg.Stratum.WebSocketEnabled {
		wsServer = altstratum.NewWebSocketServer(altstratum.WebSocketConfig{Bind: cfg.Stratum.WebSocketBind}, stratumServer)
	}

	var xatumServer *altstratum.XatumServer
	if cfg.Stratum.XatumEnabled {
		xatumServer = altstratum.NewXatumServer(altstratum.XatumConfig{
			Bind:     cfg.Stratum.XatumBind,
			CertFile: cfg.Stratum.XatumCert,
			KeyFile:  cfg.Stratum.XatumKey,
		}, stratumServer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := stratumServer.Start(); err != nil {
		util.Fatalf("failed to start stratum server: %v", err)
	}
	if wsServer != nil {
		if err := wsServer.Start(); err != nil {
			util.Errorf("failed to start websocket getwork server: %v", err)
		}
	}
	if xatumServer != nil {
		if err := xatumServer.Start(); err != nil {
			util.Errorf("failed to start xatum server: %v", err)
		}
	}
	if apiServer != nil {
		if err := apiServer.Start(); err != nil {
			util.Fatalf("failed to start api server: %v", err)
		}
	}
	if pprofServer != nil {
		if err := pprofServer.Start(); err != nil {
			util.Errorf("failed to start pprof server: %v", err)
		}
	}
	if nrAgent != nil {
		if err := nrAgent.Start(); err != nil {
			util.Errorf("failed to start newrelic agent: %v", err)
		}
	}

	go dist.Run(ctx, collab.BlockTemplateStream)
	payoutEngine.Start()

	if notifier != nil {
		util.Info("block/payment webhook notifications enabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("pool started successfully")
	<-sigChan
	util.Info("shutting down...")

	cancel()
	payoutEngine.Stop()
	if xatumServer != nil {
		xatumServer.Stop()
	}
	if wsServer != nil {
		wsServer.Stop()
	}
	stratumServer.Stop()
	if apiServer != nil {
		apiServer.Stop()
	}
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if nrAgent != nil {
		nrAgent.Stop()
	}
	policyServer.Stop()

	util.Info("pool stopped")
}
