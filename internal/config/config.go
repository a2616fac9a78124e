// Package config defines all configuration for the copy-trading simulator.
//
// Two layers exist:
//
//   - File config (Load): YAML via viper with COPYSIM_* env overrides.
//     Covers process-level settings (endpoints, store paths, logging,
//     dashboard) plus the initial copy-engine knobs.
//
//   - Runtime config (Runtime): the live guardrail/sizing/buffering/system
//     sections, editable through the dashboard API with per-leader
//     overrides. Edits take effect on the next decision and persist to the
//     store so they survive restarts.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the top-level file configuration. Maps directly to the YAML file.
type Config struct {
	Venue      VenueConfig     `mapstructure:"venue"`
	Book       BookConfig      `mapstructure:"book"`
	Engine     EngineConfig    `mapstructure:"engine"`
	Guardrails Guardrails      `mapstructure:"guardrails"`
	Sizing     Sizing          `mapstructure:"sizing"`
	Buffering  Buffering       `mapstructure:"small_trade_buffering"`
	System     System          `mapstructure:"system"`
	Leaders    []LeaderConfig  `mapstructure:"leaders"`
	Store      StoreConfig     `mapstructure:"store"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Dashboard  DashboardConfig `mapstructure:"dashboard"`
}

// VenueConfig holds the venue endpoints the book service talks to.
type VenueConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
}

// BookConfig tunes the book service (cache + WS feed + REST fallback).
type BookConfig struct {
	MaxActiveBooks     int           `mapstructure:"max_active_books"`
	BookTTL            time.Duration `mapstructure:"book_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	DefaultFreshness   time.Duration `mapstructure:"default_freshness"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongTimeout        time.Duration `mapstructure:"pong_timeout"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	ResolvedTokenTTL   time.Duration `mapstructure:"resolved_token_ttl"`
	HTTPBudgetPerSec   float64       `mapstructure:"http_budget_per_sec"`
	LowPrioritySpacing time.Duration `mapstructure:"low_priority_spacing"`
}

// EngineConfig controls the execution pipeline workers.
type EngineConfig struct {
	ExecutorWorkers int `mapstructure:"executor_workers"`
}

// LeaderConfig declares a followed wallet in the config file.
type LeaderConfig struct {
	ID      string `mapstructure:"id"`
	Address string `mapstructure:"address"`
	Label   string `mapstructure:"label"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only HTTP API server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Guardrails are the per-decision protection knobs. All price quantities are
// micros; percentages are basis points. A leader override may replace any
// individual field.
type Guardrails struct {
	MaxWorseningVsTheirFillMicros  int64 `mapstructure:"max_worsening_vs_their_fill_micros" json:"maxWorseningVsTheirFillMicros"`
	MaxBuyCostPerShareMicros       int64 `mapstructure:"max_buy_cost_per_share_micros" json:"maxBuyCostPerShareMicros"` // 0 = disabled
	MaxOverMidMicros               int64 `mapstructure:"max_over_mid_micros" json:"maxOverMidMicros"`
	MaxSpreadMicros                int64 `mapstructure:"max_spread_micros" json:"maxSpreadMicros"`
	MinDepthMultiplierBps          int64 `mapstructure:"min_depth_multiplier_bps" json:"minDepthMultiplierBps"`
	NoNewOpensWithinMinutesToClose int   `mapstructure:"no_new_opens_within_minutes_to_close" json:"noNewOpensWithinMinutesToClose"`
	DecisionLatencyMs              int   `mapstructure:"decision_latency_ms" json:"decisionLatencyMs"`
	JitterMsMax                    int   `mapstructure:"jitter_ms_max" json:"jitterMsMax"`
	MaxTotalExposureBps            int64 `mapstructure:"max_total_exposure_bps" json:"maxTotalExposureBps"`
	MaxExposurePerMarketBps        int64 `mapstructure:"max_exposure_per_market_bps" json:"maxExposurePerMarketBps"`
	MaxExposurePerUserBps          int64 `mapstructure:"max_exposure_per_user_bps" json:"maxExposurePerUserBps"`
	DailyLossLimitBps              int64 `mapstructure:"daily_loss_limit_bps" json:"dailyLossLimitBps"`
	WeeklyLossLimitBps             int64 `mapstructure:"weekly_loss_limit_bps" json:"weeklyLossLimitBps"`
	MaxDrawdownLimitBps            int64 `mapstructure:"max_drawdown_limit_bps" json:"maxDrawdownLimitBps"`
}

// SizingMode selects how the copy target notional is derived.
type SizingMode string

const (
	SizingFixedRate       SizingMode = "FIXED_RATE"
	SizingBudgetedDynamic SizingMode = "BUDGETED_DYNAMIC"
)

// BudgetEnforcement selects whether the per-leader budget is a hard cap.
type BudgetEnforcement string

const (
	BudgetHard BudgetEnforcement = "HARD"
	BudgetSoft BudgetEnforcement = "SOFT"
)

// Sizing controls target-notional computation and trade-level clamps.
type Sizing struct {
	CopyPctNotionalBps           int64             `mapstructure:"copy_pct_notional_bps" json:"copyPctNotionalBps"`
	MinTradeNotionalMicros       int64             `mapstructure:"min_trade_notional_micros" json:"minTradeNotionalMicros"`
	MaxTradeNotionalMicros       int64             `mapstructure:"max_trade_notional_micros" json:"maxTradeNotionalMicros"`
	MaxTradeBankrollBps          int64             `mapstructure:"max_trade_bankroll_bps" json:"maxTradeBankrollBps"`
	Mode                         SizingMode        `mapstructure:"mode" json:"sizingMode"`
	BudgetedDynamicEnabled       bool              `mapstructure:"budgeted_dynamic_enabled" json:"budgetedDynamicEnabled"`
	BudgetUsdcMicros             int64             `mapstructure:"budget_usdc_micros" json:"budgetUsdcMicros"`
	BudgetRMinBps                int64             `mapstructure:"budget_r_min_bps" json:"budgetRMinBps"`
	BudgetRMaxBps                int64             `mapstructure:"budget_r_max_bps" json:"budgetRMaxBps"`
	BudgetEnforcement            BudgetEnforcement `mapstructure:"budget_enforcement" json:"budgetEnforcement"`
	MinLeaderTradeNotionalMicros int64             `mapstructure:"min_leader_trade_notional_micros" json:"minLeaderTradeNotionalMicros"`
}

// NettingMode controls how the small-trade buffer treats opposite sides.
type NettingMode string

const (
	NettingSameSideOnly NettingMode = "sameSideOnly"
	NettingNetBuySell   NettingMode = "netBuySell"
)

// Buffering configures the small-trade buffer.
type Buffering struct {
	Enabled                 bool        `mapstructure:"enabled" json:"enabled"`
	NotionalThresholdMicros int64       `mapstructure:"notional_threshold_micros" json:"notionalThresholdMicros"`
	FlushMinNotionalMicros  int64       `mapstructure:"flush_min_notional_micros" json:"flushMinNotionalMicros"`
	MinExecNotionalMicros   int64       `mapstructure:"min_exec_notional_micros" json:"minExecNotionalMicros"`
	MaxBufferMs             int         `mapstructure:"max_buffer_ms" json:"maxBufferMs"`
	QuietFlushMs            int         `mapstructure:"quiet_flush_ms" json:"quietFlushMs"`
	NettingMode             NettingMode `mapstructure:"netting_mode" json:"nettingMode"`
}

// System holds process-level copy-engine switches.
type System struct {
	CopyEngineEnabled     bool  `mapstructure:"copy_engine_enabled" json:"copyEngineEnabled"`
	AggregationWindowMs   int   `mapstructure:"aggregation_window_ms" json:"aggregationWindowMs"`
	InitialBankrollMicros int64 `mapstructure:"initial_bankroll_micros" json:"initialBankrollMicros"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		Venue: VenueConfig{
			CLOBBaseURL: "https://clob.polymarket.com",
			WSMarketURL: "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		},
		Book: BookConfig{
			MaxActiveBooks:     200,
			BookTTL:            10 * time.Minute,
			SweepInterval:      30 * time.Second,
			DefaultFreshness:   2 * time.Second,
			PingInterval:       10 * time.Second,
			PongTimeout:        5 * time.Second,
			ConnectTimeout:     30 * time.Second,
			ResolvedTokenTTL:   time.Hour,
			HTTPBudgetPerSec:   15,
			LowPrioritySpacing: 150 * time.Millisecond,
		},
		Engine: EngineConfig{ExecutorWorkers: 4},
		Guardrails: Guardrails{
			MaxWorseningVsTheirFillMicros:  10_000,
			MaxOverMidMicros:               15_000,
			MaxSpreadMicros:                20_000,
			MinDepthMultiplierBps:          12_500,
			NoNewOpensWithinMinutesToClose: 30,
			MaxTotalExposureBps:            7_000,
			MaxExposurePerMarketBps:        500,
			MaxExposurePerUserBps:          2_000,
			DailyLossLimitBps:              300,
			WeeklyLossLimitBps:             800,
			MaxDrawdownLimitBps:            1_200,
		},
		Sizing: Sizing{
			CopyPctNotionalBps:     100,
			MinTradeNotionalMicros: 5_000_000,
			MaxTradeNotionalMicros: 250_000_000,
			MaxTradeBankrollBps:    75,
			Mode:                   SizingFixedRate,
			BudgetRMinBps:          0,
			BudgetRMaxBps:          100,
			BudgetEnforcement:      BudgetHard,
		},
		Buffering: Buffering{
			NotionalThresholdMicros: 250_000,
			FlushMinNotionalMicros:  500_000,
			MinExecNotionalMicros:   100_000,
			MaxBufferMs:             2_500,
			QuietFlushMs:            600,
			NettingMode:             NettingSameSideOnly,
		},
		System: System{
			CopyEngineEnabled:     true,
			AggregationWindowMs:   2_000,
			InitialBankrollMicros: 1_000_000_000, // $1000
		},
		Store:     StoreConfig{Path: "data/copysim.db"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Dashboard: DashboardConfig{Enabled: true, Port: 8090},
	}
}

// Load reads config from a YAML file with env var overrides (COPYSIM_*).
// Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPYSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges. Programmer errors
// here fail the process at startup.
func (c *Config) Validate() error {
	if c.Venue.CLOBBaseURL == "" {
		return fmt.Errorf("venue.clob_base_url is required")
	}
	if c.Venue.WSMarketURL == "" {
		return fmt.Errorf("venue.ws_market_url is required")
	}
	if c.Book.MaxActiveBooks <= 0 {
		return fmt.Errorf("book.max_active_books must be > 0")
	}
	if c.Engine.ExecutorWorkers <= 0 {
		return fmt.Errorf("engine.executor_workers must be > 0")
	}
	for _, l := range c.Leaders {
		if l.ID == "" {
			return fmt.Errorf("leaders[]: id is required")
		}
		if !common.IsHexAddress(l.Address) {
			return fmt.Errorf("leaders[%s]: %q is not a valid wallet address", l.ID, l.Address)
		}
	}
	if err := c.Guardrails.Validate(); err != nil {
		return err
	}
	if err := c.Sizing.Validate(); err != nil {
		return err
	}
	if err := c.Buffering.Validate(); err != nil {
		return err
	}
	return c.System.Validate()
}

// NormalizedLeaders returns the configured leaders with checksummed addresses.
func (c *Config) NormalizedLeaders() []LeaderConfig {
	out := make([]LeaderConfig, len(c.Leaders))
	for i, l := range c.Leaders {
		l.Address = common.HexToAddress(l.Address).Hex()
		out[i] = l
	}
	return out
}

// Validate checks the guardrail section.
func (g *Guardrails) Validate() error {
	if g.MaxWorseningVsTheirFillMicros < 0 || g.MaxOverMidMicros < 0 || g.MaxSpreadMicros < 0 {
		return fmt.Errorf("guardrails: price limits must be >= 0")
	}
	if g.MinDepthMultiplierBps < 0 {
		return fmt.Errorf("guardrails: min_depth_multiplier_bps must be >= 0")
	}
	if g.DecisionLatencyMs < 0 || g.JitterMsMax < 0 {
		return fmt.Errorf("guardrails: latency values must be >= 0")
	}
	return nil
}

// Validate checks the sizing section.
func (s *Sizing) Validate() error {
	switch s.Mode {
	case SizingFixedRate, SizingBudgetedDynamic:
	default:
		return fmt.Errorf("sizing: mode must be FIXED_RATE or BUDGETED_DYNAMIC")
	}
	switch s.BudgetEnforcement {
	case BudgetHard, BudgetSoft:
	default:
		return fmt.Errorf("sizing: budget_enforcement must be HARD or SOFT")
	}
	if s.MinTradeNotionalMicros < 0 || s.MaxTradeNotionalMicros < 0 {
		return fmt.Errorf("sizing: trade notional bounds must be >= 0")
	}
	if s.MaxTradeNotionalMicros > 0 && s.MinTradeNotionalMicros > s.MaxTradeNotionalMicros {
		return fmt.Errorf("sizing: min_trade_notional_micros exceeds max_trade_notional_micros")
	}
	if s.BudgetRMinBps > s.BudgetRMaxBps {
		return fmt.Errorf("sizing: budget_r_min_bps exceeds budget_r_max_bps")
	}
	return nil
}

// Validate checks the buffering section.
func (b *Buffering) Validate() error {
	switch b.NettingMode {
	case NettingSameSideOnly, NettingNetBuySell:
	default:
		return fmt.Errorf("small_trade_buffering: netting_mode must be sameSideOnly or netBuySell")
	}
	if b.MaxBufferMs < 0 || b.QuietFlushMs < 0 {
		return fmt.Errorf("small_trade_buffering: timer values must be >= 0")
	}
	return nil
}

// Validate checks the system section.
func (s *System) Validate() error {
	if s.AggregationWindowMs <= 0 {
		return fmt.Errorf("system: aggregation_window_ms must be > 0")
	}
	return nil
}
