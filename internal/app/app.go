package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"defi-agents/internal/alerting"
	"defi-agents/internal/broadcast"
	cache "defi-agents/internal/cache/redis"
	"defi-agents/internal/config"
	"defi-agents/internal/executor"
	"defi-agents/internal/fetcher"
	"defi-agents/internal/ledger"
	"defi-agents/internal/logging"
	"defi-agents/internal/market"
	"defi-agents/internal/metrics"
	"defi-agents/internal/policy"
	"defi-agents/internal/risk"
	"defi-agents/internal/server"
	"defi-agents/internal/service"
	"defi-agents/internal/storage"
	"defi-agents/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app"), Out: os.Stdout}
}

func (a *App) out() io.Writer {
	if a.Out == nil {
		return os.Stdout
	}
	return a.Out
}

func (a *App) openStore(ctx context.Context) (storage.Backend, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close store")
		}
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*cache.Client, error) {
	if !a.Config.Redis.Enabled {
		return nil, nil
	}
	return cache.New(ctx, a.Config.Redis)
}

func (a *App) newLedger(store storage.LedgerStore, rdb *cache.Client) *ledger.Ledger {
	l := ledger.New(store, ledger.StatsOptions{
		CapitalBase: a.Config.Ledger.CapitalBase,
		APYWindow:   a.Config.Ledger.APYWindow,
	}, a.Logger)
	if rdb != nil {
		l.WithLocker(cache.NewLockManager(rdb, a.Config.Redis.LockTTL))
	}
	return l
}

func (a *App) newChainClients() *fetcher.ChainClients {
	urls := make(map[string]string, len(a.Config.Ethereum.RPCURLs))
	for chain, url := range a.Config.Ethereum.RPCURLs {
		urls[strings.ToLower(chain)] = url
	}
	return fetcher.NewChainClients(urls)
}

// newRegistry registers every configured quote source under its config id.
func (a *App) newRegistry(clients *fetcher.ChainClients) (*fetcher.Registry, error) {
	reg := fetcher.NewRegistry()

	tokens := make([]fetcher.Token, 0, len(a.Config.Cow.Tokens))
	for _, t := range a.Config.Cow.Tokens {
		tokens = append(tokens, fetcher.Token{Symbol: t.Symbol, Chain: t.Chain, Address: t.Address, Decimals: t.Decimals})
	}
	userAgent := a.Config.Cow.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	reg.Register("cow", fetcher.NewCowQuoter(fetcher.CowOptions{
		BaseURL:      a.Config.Cow.BaseURL,
		PriceQuality: a.Config.Cow.PriceQuality,
		Notional:     a.Config.Cow.Notional,
		Timeout:      a.Config.Cow.RequestTimeout,
		UserAgent:    userAgent,
		Tokens:       fetcher.NewTokenBook(tokens),
	}, a.Logger))

	pools := make([]fetcher.PoolRef, 0, len(a.Config.Uniswap.Pools))
	for _, p := range a.Config.Uniswap.Pools {
		pair, err := market.ParsePair(p.Pair)
		if err != nil {
			return nil, fmt.Errorf("uniswap pool %s: %w", p.Address, err)
		}
		pools = append(pools, fetcher.PoolRef{
			Chain:     p.Chain,
			Pair:      pair,
			Address:   p.Address,
			Decimals0: p.Decimals0,
			Decimals1: p.Decimals1,
			Inverted:  p.Inverted,
		})
	}
	reg.Register("uniswap", fetcher.NewUniswapV2Pool(fetcher.UniswapV2Options{
		Pools:   pools,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, clients, a.Logger))

	poolIDs := make(map[string]string, len(a.Config.Llama.Pools))
	for _, p := range a.Config.Llama.Pools {
		poolIDs[p.Protocol] = p.PoolID
	}
	reg.Register("llama", fetcher.NewLlamaYields(fetcher.LlamaOptions{
		BaseURL: a.Config.Llama.BaseURL,
		Timeout: a.Config.Llama.RequestTimeout,
		PoolIDs: poolIDs,
	}, a.Logger))

	for _, sc := range a.Config.Static.Sources {
		src := fetcher.NewStaticSource()
		for _, q := range sc.Quotes {
			target := market.ProtocolTarget(q.Protocol)
			if q.Protocol == "" {
				pair, err := market.ParsePair(q.Pair)
				if err != nil {
					return nil, fmt.Errorf("static source %s: %w", sc.ID, err)
				}
				target = market.PairTarget(pair)
			}
			src.Set(q.Chain, target, fetcher.StaticQuote{Price: q.Price, Liquidity: q.Liquidity, APY: q.APY})
		}
		reg.Register(sc.ID, src)
	}
	return reg, nil
}

func (a *App) newGateway(reg *fetcher.Registry) *fetcher.Gateway {
	return fetcher.NewGateway(reg, fetcher.GatewayOptions{
		FetchTimeout: a.Config.Gateway.FetchTimeout,
		Concurrency:  a.Config.Gateway.Concurrency,
	}, a.Logger)
}

func (a *App) newGasOracle(clients *fetcher.ChainClients) fetcher.GasOracle {
	switch strings.ToLower(a.Config.Gas.Oracle) {
	case "eth", "rpc":
		return fetcher.NewEthGasOracle(clients, a.Config.Ethereum.RequestTimeout, a.Config.Gas.StaticGwei)
	default:
		return fetcher.StaticGasOracle{Default: a.Config.Gas.StaticGwei}
	}
}

func (a *App) newExecutor(mode executor.Mode, clients *fetcher.ChainClients) *executor.Executor {
	exec := a.Config.Execution
	var sub executor.Submitter
	if mode == executor.ModeSubmit {
		sub = executor.NewRelaySubmitter(executor.RelayOptions{BaseURL: exec.RelayURL, Timeout: exec.RelayTimeout}, a.Logger)
		sub = executor.WithReceipts(sub, clients, exec.ReceiptChain)
	}
	return executor.New(executor.Options{
		Fees:           executor.FeeModel{Fixed: exec.FixedFee, Bps: exec.FeeBps},
		Seed:           exec.Seed,
		PollInterval:   exec.PollInterval,
		ConfirmTimeout: exec.ConfirmTimeout,
	}, sub, a.Logger)
}

func (a *App) newDispatcher() *alerting.Dispatcher {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}
	var notifiers []alerting.Notifier
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
	}
	return alerting.NewDispatcher(alerting.Rule{
		ProfitThreshold: cfg.ProfitThreshold,
		NotifyFailures:  cfg.NotifyFailures,
	}, cfg.Channels, a.Logger, notifiers...)
}

func (a *App) policyConfig() (policy.Config, error) {
	level, err := risk.ParseLevel(a.Config.Policy.RiskLevel)
	if err != nil {
		return policy.Config{}, err
	}
	return policy.Config{
		MinProfitThreshold:    a.Config.Policy.MinProfitThreshold,
		MaxSlippagePct:        a.Config.Policy.MaxSlippagePct,
		RiskLevel:             level,
		MaxGasPrice:           a.Config.Policy.MaxGasPrice,
		RebalanceThresholdPct: a.Config.Policy.RebalanceThresholdPct,
	}, nil
}

// engine bundles what a command needs to run rounds.
type engine struct {
	agents   []service.Agent
	gateway  *fetcher.Gateway
	gas      fetcher.GasOracle
	executor *executor.Executor
	mode     executor.Mode
	policy   policy.Config
	clients  *fetcher.ChainClients
}

func (a *App) newEngine() (*engine, error) {
	agents, err := service.AgentsFromConfig(a.Config)
	if err != nil {
		return nil, err
	}
	mode, err := executor.ParseMode(a.Config.Policy.Mode)
	if err != nil {
		return nil, err
	}
	pol, err := a.policyConfig()
	if err != nil {
		return nil, err
	}
	clients := a.newChainClients()
	reg, err := a.newRegistry(clients)
	if err != nil {
		clients.Close()
		return nil, err
	}
	return &engine{
		agents:   agents,
		gateway:  a.newGateway(reg),
		gas:      a.newGasOracle(clients),
		executor: a.newExecutor(mode, clients),
		mode:     mode,
		policy:   pol,
		clients:  clients,
	}, nil
}

func (e *engine) options(cfg *config.Config) service.Options {
	return service.Options{
		Policy:          e.policy,
		Mode:            e.mode,
		RoundDeadline:   cfg.Scheduler.RoundDeadline,
		AdvisoryLockKey: cfg.Scheduler.AdvisoryLockKey,
		AlignToStart:    cfg.Scheduler.AlignToBucket,
		StartupDelay:    cfg.Scheduler.StartupDelay,
	}
}

// Run executes the long-running agent service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := a.newEngine()
	if err != nil {
		return err
	}
	defer eng.clients.Close()
	if len(eng.agents) == 0 {
		return errors.New("no agents configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	if a.Config.Database.Driver == "" || strings.EqualFold(a.Config.Database.Driver, "memory") {
		a.Logger.Warn().Msg("database.driver is memory; execution history is lost on exit")
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	ldg := a.newLedger(store, rdb)
	hub := broadcast.NewHub(a.Config.Server.Subscribers)
	defer hub.Close()
	m := metrics.New("")

	var srv *server.Server
	if a.Config.Server.Enabled {
		srv, err = server.New(server.Config{
			Addr:         a.Config.Server.Addr,
			ReadTimeout:  a.Config.Server.ReadTimeout,
			WriteTimeout: a.Config.Server.WriteTimeout,
			Ledger:       ldg,
			Rounds:       store,
			WS:           broadcast.NewWSHandler(hub, a.Logger),
			Metrics:      m.Handler(),
		}, a.Logger)
		if err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)

	// With Redis every instance publishes to the bus and the bridge feeds the
	// local hub, so local subscribers see each event once.
	var publisher broadcast.Publisher = hub
	if rdb != nil {
		bus := cache.NewSignalBus(rdb)
		publisher = broadcast.NewRedisPublisher(bus, a.Config.Redis.ChannelPrefix, a.Logger)
		bridge := broadcast.NewRedisBridge(bus, hub, a.Config.Redis.ChannelPrefix, a.Logger)
		group.Go(func() error { return bridge.Run(gctx) })
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	svc, err := service.New(eng.agents, service.Deps{
		Gateway:   eng.gateway,
		GasOracle: eng.gas,
		Executor:  eng.executor,
		Ledger:    ldg,
		Rounds:    store,
		Locker:    locker,
		Publisher: publisher,
		Alerts:    a.newDispatcher(),
		Metrics:   m,
	}, eng.options(a.Config), a.Logger)
	if err != nil {
		return err
	}
	group.Go(func() error { return svc.Run(gctx) })

	if srv != nil {
		group.Go(func() error { return srv.Start(gctx) })
	}

	a.Logger.Info().Str("version", version.String()).Int("agents", len(eng.agents)).Msg("starting agent service")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("agent service stopped")
	return nil
}

// ExportOptions hold parameters for exporting execution history.
type ExportOptions struct {
	Account   string
	AgentType *storage.AgentType
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// QueryOptions scope the stats and executions commands.
type QueryOptions struct {
	Account   string
	AgentType *storage.AgentType
	Status    *storage.ExecutionStatus
	Limit     int
}

// ReplayOptions configure the stats rebuild.
type ReplayOptions struct {
	Account   string
	AgentType *storage.AgentType
	DryRun    bool
}

// SimulateOptions configure a one-off round.
type SimulateOptions struct {
	Agent   string
	Persist bool
	JSON    bool
}
