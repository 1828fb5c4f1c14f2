package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"defi-agents/internal/logging"
	"defi-agents/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Cow       CowConfig       `mapstructure:"cow"`
	Uniswap   UniswapConfig   `mapstructure:"uniswap"`
	Llama     LlamaConfig     `mapstructure:"llama"`
	Static    StaticConfig    `mapstructure:"static"`
	Gas       GasConfig       `mapstructure:"gas"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Agents    []AgentConfig   `mapstructure:"agents"`
	Server    ServerConfig    `mapstructure:"server"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and configures the ledger backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig enables cross-process locking and event fan-out.
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Addr          string        `mapstructure:"addr"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
}

// SchedulerConfig governs round cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RoundDeadline   time.Duration `mapstructure:"round_deadline"`
}

// GatewayConfig bounds the market data fan-out.
type GatewayConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	Concurrency  int           `mapstructure:"concurrency"`
}

// EthereumConfig covers on-chain data access. RPC endpoints are keyed by chain id.
type EthereumConfig struct {
	RPCURLs        map[string]string `mapstructure:"rpc_urls"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// TokenConfig describes an ERC-20 on one chain.
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Chain    string `mapstructure:"chain"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// CowConfig captures CoW Protocol connectivity.
type CowConfig struct {
	BaseURL        string          `mapstructure:"base_url"`
	PriceQuality   string          `mapstructure:"price_quality"`
	Notional       decimal.Decimal `mapstructure:"notional"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout"`
	UserAgent      string          `mapstructure:"user_agent"`
	Tokens         []TokenConfig   `mapstructure:"tokens"`
}

// UniswapPoolConfig points at a V2-style pair contract.
type UniswapPoolConfig struct {
	Chain     string `mapstructure:"chain"`
	Pair      string `mapstructure:"pair"`
	Address   string `mapstructure:"address"`
	Decimals0 int32  `mapstructure:"decimals0"`
	Decimals1 int32  `mapstructure:"decimals1"`
	// Inverted is set when token0 is the quote asset.
	Inverted bool `mapstructure:"inverted"`
}

// UniswapConfig lists the pools read by the on-chain reserves source.
type UniswapConfig struct {
	Pools []UniswapPoolConfig `mapstructure:"pools"`
}

// LlamaPoolConfig maps a protocol id to a DefiLlama pool id.
type LlamaPoolConfig struct {
	Protocol string `mapstructure:"protocol"`
	PoolID   string `mapstructure:"pool_id"`
}

// LlamaConfig configures the DefiLlama yields source.
type LlamaConfig struct {
	BaseURL        string            `mapstructure:"base_url"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Pools          []LlamaPoolConfig `mapstructure:"pools"`
}

// StaticQuoteConfig is one fixed observation served by a static source.
type StaticQuoteConfig struct {
	Chain     string          `mapstructure:"chain"`
	Pair      string          `mapstructure:"pair"`
	Protocol  string          `mapstructure:"protocol"`
	Price     decimal.Decimal `mapstructure:"price"`
	Liquidity decimal.Decimal `mapstructure:"liquidity"`
	APY       decimal.Decimal `mapstructure:"apy"`
}

// StaticSourceConfig defines a named source that serves fixed quotes.
type StaticSourceConfig struct {
	ID     string              `mapstructure:"id"`
	Quotes []StaticQuoteConfig `mapstructure:"quotes"`
}

// StaticConfig lists demo sources.
type StaticConfig struct {
	Sources []StaticSourceConfig `mapstructure:"sources"`
}

// GasConfig configures gas price lookup and the per-chain cost model.
type GasConfig struct {
	Oracle               string                     `mapstructure:"oracle"`
	StaticGwei           decimal.Decimal            `mapstructure:"static_gwei"`
	BaseCostUSD          map[string]decimal.Decimal `mapstructure:"base_cost_usd"`
	DefaultCostUSD       decimal.Decimal            `mapstructure:"default_cost_usd"`
	CrossChainMultiplier decimal.Decimal            `mapstructure:"cross_chain_multiplier"`
}

// PolicyConfig holds decision thresholds shared by every agent.
type PolicyConfig struct {
	MinProfitThreshold    decimal.Decimal `mapstructure:"min_profit_threshold"`
	MaxSlippagePct        decimal.Decimal `mapstructure:"max_slippage_pct"`
	RiskLevel             string          `mapstructure:"risk_level"`
	MaxGasPrice           decimal.Decimal `mapstructure:"max_gas_price"`
	MaxPositionSize       decimal.Decimal `mapstructure:"max_position_size"`
	RebalanceHorizonDays  int             `mapstructure:"rebalance_horizon_days"`
	RebalanceThresholdPct decimal.Decimal `mapstructure:"rebalance_threshold_pct"`
	Mode                  string          `mapstructure:"mode"`
}

// ExecutionConfig parameterises the simulator and the relay submitter.
type ExecutionConfig struct {
	FixedFee       decimal.Decimal `mapstructure:"fixed_fee"`
	FeeBps         decimal.Decimal `mapstructure:"fee_bps"`
	Seed           string          `mapstructure:"seed"`
	RelayURL       string          `mapstructure:"relay_url"`
	RelayTimeout   time.Duration   `mapstructure:"relay_timeout"`
	PollInterval   time.Duration   `mapstructure:"poll_interval"`
	ConfirmTimeout time.Duration   `mapstructure:"confirm_timeout"`
	ReceiptChain   string          `mapstructure:"receipt_chain"`
}

// LedgerConfig controls statistics derivation.
type LedgerConfig struct {
	CapitalBase decimal.Decimal `mapstructure:"capital_base"`
	APYWindow   time.Duration   `mapstructure:"apy_window"`
}

// HoldingConfig is one portfolio position used by rebalance and risk agents.
type HoldingConfig struct {
	Asset  string          `mapstructure:"asset"`
	Chain  string          `mapstructure:"chain"`
	Amount decimal.Decimal `mapstructure:"amount"`
}

// AllocationConfig is a target weight in percent.
type AllocationConfig struct {
	Asset string          `mapstructure:"asset"`
	Pct   decimal.Decimal `mapstructure:"pct"`
}

// AgentConfig binds one agent to an account and its sources.
type AgentConfig struct {
	Name            string             `mapstructure:"name"`
	Type            string             `mapstructure:"type"`
	AccountKey      string             `mapstructure:"account_key"`
	Interval        time.Duration      `mapstructure:"interval"`
	Sources         []SourceConfig     `mapstructure:"sources"`
	CurrentProtocol string             `mapstructure:"current_protocol"`
	Holdings        []HoldingConfig    `mapstructure:"holdings"`
	Targets         []AllocationConfig `mapstructure:"targets"`
}

// SourceConfig is the config-file form of market.SourceSpec.
type SourceConfig struct {
	Source    string   `mapstructure:"source"`
	Chain     string   `mapstructure:"chain"`
	Pairs     []string `mapstructure:"pairs"`
	Protocols []string `mapstructure:"protocols"`
}

// Spec converts the source entry to a gateway spec.
func (s SourceConfig) Spec() (market.SourceSpec, error) {
	spec := market.SourceSpec{SourceID: s.Source, ChainID: s.Chain, Protocols: s.Protocols}
	for _, raw := range s.Pairs {
		pair, err := market.ParsePair(raw)
		if err != nil {
			return market.SourceSpec{}, err
		}
		spec.Pairs = append(spec.Pairs, pair)
	}
	return spec, nil
}

// SourceSpecs converts every source entry of the agent.
func (a AgentConfig) SourceSpecs() ([]market.SourceSpec, error) {
	out := make([]market.SourceSpec, 0, len(a.Sources))
	for _, s := range a.Sources {
		spec, err := s.Spec()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.Name, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Subscribers  int           `mapstructure:"subscriber_buffer"`
}

// AlertingConfig defines notification thresholds and routing.
type AlertingConfig struct {
	Enabled         bool            `mapstructure:"enabled"`
	ProfitThreshold decimal.Decimal `mapstructure:"profit_threshold"`
	NotifyFailures  bool            `mapstructure:"notify_failures"`
	Channels        []string        `mapstructure:"channels"`
	Telegram        TelegramConfig  `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("DEFIAGENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "defi-agents")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.sqlite_path", "data/ledger.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("redis.channel_prefix", "agents")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x64656669))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.round_deadline", "20s")

	v.SetDefault("gateway.fetch_timeout", "5s")
	v.SetDefault("gateway.concurrency", 16)

	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("cow.base_url", "https://api.cow.fi/mainnet/api/v1")
	v.SetDefault("cow.price_quality", "fast")
	v.SetDefault("cow.notional", "1000")
	v.SetDefault("cow.request_timeout", "10s")

	v.SetDefault("llama.base_url", "https://yields.llama.fi")
	v.SetDefault("llama.request_timeout", "10s")

	v.SetDefault("gas.oracle", "static")
	v.SetDefault("gas.static_gwei", "20")
	v.SetDefault("gas.base_cost_usd", map[string]string{
		"ethereum": "15",
		"polygon":  "0.5",
		"bsc":      "1",
		"arbitrum": "2",
		"optimism": "2",
	})
	v.SetDefault("gas.default_cost_usd", "10")
	v.SetDefault("gas.cross_chain_multiplier", "2")

	v.SetDefault("policy.min_profit_threshold", "5")
	v.SetDefault("policy.max_slippage_pct", "1")
	v.SetDefault("policy.risk_level", "medium")
	v.SetDefault("policy.max_gas_price", "0")
	v.SetDefault("policy.max_position_size", "1000")
	v.SetDefault("policy.rebalance_horizon_days", 30)
	v.SetDefault("policy.rebalance_threshold_pct", "5")
	v.SetDefault("policy.mode", "simulate")

	v.SetDefault("execution.fixed_fee", "1")
	v.SetDefault("execution.fee_bps", "0")
	v.SetDefault("execution.relay_timeout", "10s")
	v.SetDefault("execution.poll_interval", "2s")
	v.SetDefault("execution.confirm_timeout", "60s")
	v.SetDefault("execution.receipt_chain", "ethereum")

	v.SetDefault("ledger.capital_base", "10000")
	v.SetDefault("ledger.apy_window", "720h")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.subscriber_buffer", 64)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.profit_threshold", "50")
	v.SetDefault("alerting.notify_failures", true)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case int32:
			return decimal.NewFromInt32(v), nil
		case uint64:
			return decimal.NewFromUint64(v), nil
		default:
			return data, nil
		}
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Gateway.FetchTimeout <= 0 {
		return fmt.Errorf("gateway.fetch_timeout must be greater than zero")
	}
	switch strings.ToLower(c.Policy.RiskLevel) {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("policy.risk_level must be one of low, medium, high")
	}
	switch c.Policy.Mode {
	case "simulate":
	case "submit":
		if c.Execution.RelayURL == "" {
			return fmt.Errorf("execution.relay_url is required in submit mode")
		}
	default:
		return fmt.Errorf("policy.mode must be simulate or submit")
	}
	if c.Policy.MaxPositionSize.Sign() <= 0 {
		return fmt.Errorf("policy.max_position_size must be greater than zero")
	}
	if c.Policy.MaxSlippagePct.IsNegative() || c.Policy.MaxGasPrice.IsNegative() {
		return fmt.Errorf("policy slippage and gas limits cannot be negative")
	}
	if c.Ledger.CapitalBase.Sign() <= 0 {
		return fmt.Errorf("ledger.capital_base must be greater than zero")
	}
	if c.Ledger.APYWindow <= 0 {
		return fmt.Errorf("ledger.apy_window must be greater than zero")
	}
	if c.Alerting.ProfitThreshold.IsNegative() {
		return fmt.Errorf("alerting.profit_threshold cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if _, dup := seen[agent.Name]; dup {
			return fmt.Errorf("agents[%d]: duplicate name %q", i, agent.Name)
		}
		seen[agent.Name] = struct{}{}
		switch agent.Type {
		case "arbitrage", "yield", "rebalance", "risk":
		default:
			return fmt.Errorf("agents[%d].type %q is not supported", i, agent.Type)
		}
		if agent.AccountKey == "" {
			return fmt.Errorf("agents[%d].account_key is required", i)
		}
		if _, err := agent.SourceSpecs(); err != nil {
			return err
		}
	}
	return nil
}

// AgentInterval returns the agent override or the scheduler default.
func (c *Config) AgentInterval(agent AgentConfig) time.Duration {
	if agent.Interval > 0 {
		return agent.Interval
	}
	return c.Scheduler.Interval
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
