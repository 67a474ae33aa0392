package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradeflow TradeflowConfig `yaml:"tradeflow"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Account   AccountConfig   `yaml:"account"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Signals   SignalsConfig   `yaml:"signals"`
	Orders    OrdersConfig    `yaml:"orders"`
	Trading   TradingConfig   `yaml:"trading"`
	Risk      RiskConfig      `yaml:"risk"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ExchangeConfig struct {
	Symbol         string               `yaml:"symbol"`
	Testnet        bool                 `yaml:"testnet"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	BookDepth      int                  `yaml:"book_depth"`
	CandleInterval string               `yaml:"candle_interval"`
	CandleWindow   int                  `yaml:"candle_window"`
	// MinCandleSpacing guards against duplicate or partial periods
	// arriving across stream reconnects.
	MinCandleSpacing time.Duration        `yaml:"min_candle_spacing"`
	ReconnectDelay   time.Duration        `yaml:"reconnect_delay"`
	ConnectionPool   ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type AccountConfig struct {
	PollInterval      time.Duration   `yaml:"poll_interval"`
	KeepaliveInterval time.Duration   `yaml:"keepalive_interval"`
	TradeHistoryLimit int             `yaml:"trade_history_limit"`
	PnlRateLimit      RateLimitConfig `yaml:"pnl_rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ChannelsConfig struct {
	SignalBuffer   int `yaml:"signal_buffer"`
	SnapshotBuffer int `yaml:"snapshot_buffer"`
}

type SignalsConfig struct {
	MinWindow    int       `yaml:"min_window"`
	BaseQuantity float64   `yaml:"base_quantity"`
	RSI          RSIConfig `yaml:"rsi"`
	SMAWindow    int       `yaml:"sma_window"`
	VWAPSmooth   int       `yaml:"vwap_smoothing"`
}

type RSIConfig struct {
	Period     int     `yaml:"period"`
	Overbought float64 `yaml:"overbought"`
	Oversold   float64 `yaml:"oversold"`
}

type OrdersConfig struct {
	TimeInForce      string        `yaml:"time_in_force"`
	LimitSettleWait  time.Duration `yaml:"limit_settle_wait"`
	MarketSettleWait time.Duration `yaml:"market_settle_wait"`
}

type TradingConfig struct {
	MaxPosition  float64       `yaml:"max_position"`
	ReduceBuffer float64       `yaml:"reduce_buffer"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type RiskConfig struct {
	Interval              time.Duration `yaml:"interval"`
	MaxDirectLoss         float64       `yaml:"max_direct_loss"`
	MaxNotional           float64       `yaml:"max_notional"`
	MaxDrawdown           float64       `yaml:"max_drawdown"`
	TakeProfitPnl         float64       `yaml:"take_profit_pnl"`
	DrawdownActivationPnl float64       `yaml:"drawdown_activation_pnl"`
	MinExposure           float64       `yaml:"min_exposure"`
	ResidualFlat          float64       `yaml:"residual_flat"`
	Aggressiveness        float64       `yaml:"aggressiveness"`
	AggressiveStopLevel   float64       `yaml:"aggressive_stop_level"`
	RequoteDelay          time.Duration `yaml:"requote_delay"`
}

type SnapshotsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UploadInterval  time.Duration `yaml:"upload_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
	// ReportInterval controls the periodic runtime report; zero disables it.
	ReportInterval time.Duration `yaml:"report_interval"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(resolveConfigPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Exchange: ExchangeConfig{
			BookDepth:        5,
			CandleInterval:   "1m",
			CandleWindow:     100,
			MinCandleSpacing: 58 * time.Second,
			ReconnectDelay:   5 * time.Second,
		},
		Account: AccountConfig{
			PollInterval:      10 * time.Second,
			KeepaliveInterval: 15 * time.Minute,
			TradeHistoryLimit: 1000,
		},
		Signals: SignalsConfig{
			MinWindow:  60,
			RSI:        RSIConfig{Period: 14, Overbought: 75, Oversold: 25},
			SMAWindow:  20,
			VWAPSmooth: 5,
		},
		Orders: OrdersConfig{
			TimeInForce:      "GTC",
			LimitSettleWait:  5 * time.Second,
			MarketSettleWait: time.Second,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment, never from the file on disk.
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.Exchange.APISecret = strings.TrimSpace(v)
	}

	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}
	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if cfg.Exchange.Symbol == "" {
		return fmt.Errorf("exchange.symbol is required")
	}
	if cfg.Exchange.BookDepth <= 0 {
		return fmt.Errorf("exchange.book_depth must be greater than 0")
	}
	if cfg.Exchange.CandleWindow <= 0 {
		return fmt.Errorf("exchange.candle_window must be greater than 0")
	}
	if cfg.Exchange.ReconnectDelay <= 0 {
		return fmt.Errorf("exchange.reconnect_delay must be greater than 0")
	}

	if cfg.Account.PollInterval <= 0 {
		return fmt.Errorf("account.poll_interval must be greater than 0")
	}
	if cfg.Account.KeepaliveInterval <= 0 {
		return fmt.Errorf("account.keepalive_interval must be greater than 0")
	}

	if cfg.Channels.SignalBuffer <= 0 {
		return fmt.Errorf("channels.signal_buffer must be greater than 0")
	}
	if cfg.Channels.SnapshotBuffer <= 0 {
		return fmt.Errorf("channels.snapshot_buffer must be greater than 0")
	}

	if cfg.Signals.BaseQuantity <= 0 {
		return fmt.Errorf("signals.base_quantity must be greater than 0")
	}
	if cfg.Signals.MinWindow <= 0 {
		return fmt.Errorf("signals.min_window must be greater than 0")
	}
	if cfg.Signals.RSI.Period <= 0 {
		return fmt.Errorf("signals.rsi.period must be greater than 0")
	}
	if cfg.Signals.RSI.Oversold >= cfg.Signals.RSI.Overbought {
		return fmt.Errorf("signals.rsi.oversold must be below signals.rsi.overbought")
	}

	if cfg.Orders.LimitSettleWait <= 0 {
		return fmt.Errorf("orders.limit_settle_wait must be greater than 0")
	}
	if cfg.Orders.MarketSettleWait <= 0 {
		return fmt.Errorf("orders.market_settle_wait must be greater than 0")
	}

	if cfg.Trading.MaxPosition <= 0 {
		return fmt.Errorf("trading.max_position must be greater than 0")
	}

	if cfg.Risk.Interval <= 0 {
		return fmt.Errorf("risk.interval must be greater than 0")
	}
	if cfg.Risk.MaxDirectLoss <= 0 || cfg.Risk.MaxDirectLoss >= 1 {
		return fmt.Errorf("risk.max_direct_loss must be in (0, 1)")
	}
	if cfg.Risk.MaxNotional <= 0 {
		return fmt.Errorf("risk.max_notional must be greater than 0")
	}
	if cfg.Risk.MaxDrawdown <= 0 || cfg.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0, 1)")
	}
	if cfg.Risk.Aggressiveness < 0 || cfg.Risk.Aggressiveness > 1 {
		return fmt.Errorf("risk.aggressiveness must be in [0, 1]")
	}
	if cfg.Risk.AggressiveStopLevel < 0 || cfg.Risk.AggressiveStopLevel > 1 {
		return fmt.Errorf("risk.aggressive_stop_level must be in [0, 1]")
	}

	if cfg.Snapshots.Enabled {
		if cfg.Snapshots.Path == "" {
			return fmt.Errorf("snapshots.path is required when snapshots are enabled")
		}
		if cfg.Snapshots.FlushInterval <= 0 {
			return fmt.Errorf("snapshots.flush_interval must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}
