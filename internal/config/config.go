package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full control-plane configuration. It is loaded from a
// YAML file; secrets (API keys, notification tokens) come from the
// environment so they never live in the config file.
type Config struct {
	Session string `yaml:"session"`

	Loop          LoopConfig          `yaml:"loop"`
	Risk          RiskConfig          `yaml:"risk"`
	Emergency     EmergencyConfig     `yaml:"emergency"`
	Positions     PositionsConfig     `yaml:"positions"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Strategies    []StrategyConfig    `yaml:"strategies"`
}

// Duration wraps time.Duration so YAML values can be written as "300s",
// "5m" and so on.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LoopConfig controls the cycle cadence and failure handling of the
// trading control loop.
type LoopConfig struct {
	Period                Duration        `yaml:"period"`
	CooldownStages        []CooldownStage `yaml:"cooldown_stages"`
	FailureAlertThreshold int             `yaml:"failure_alert_threshold"`
	GatewayCallTimeout    Duration        `yaml:"gateway_call_timeout"`
}

// CooldownStage maps a consecutive-failure count to a cool-down duration.
type CooldownStage struct {
	Failures int      `yaml:"failures"`
	Cooldown Duration `yaml:"cooldown"`
}

// RiskConfig holds the risk manager's budgets and limits.
type RiskConfig struct {
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"`
	MaxTotalRisk    float64 `yaml:"max_total_risk"`
	MaxDrawdown     float64 `yaml:"max_drawdown"`
	PnLWindow       int     `yaml:"pnl_window"`
}

// EmergencyConfig holds the emergency overlay's level thresholds. The
// ladder constants are configurable defaults, not fixed behavior.
type EmergencyConfig struct {
	Level1Drawdown    float64  `yaml:"level1_drawdown"`
	Level2Drawdown    float64  `yaml:"level2_drawdown"`
	CrisisDrawdown    float64  `yaml:"crisis_drawdown"`
	StopDrawdown      float64  `yaml:"stop_drawdown"`
	StressVolMultiple float64  `yaml:"stress_vol_multiple"`
	CriticalSeverity  float64  `yaml:"critical_severity"`
	StressTTL         Duration `yaml:"stress_ttl"`
	StressRewardRisk  float64  `yaml:"stress_reward_risk"`
	CrisisRewardRisk  float64  `yaml:"crisis_reward_risk"`
	CrisisATRMultiple float64  `yaml:"crisis_atr_multiple"`
}

// PositionsConfig holds position caps and sizing parameters.
type PositionsConfig struct {
	MaxPerInstrument    int     `yaml:"max_per_instrument"`
	MaxOpenPositions    int     `yaml:"max_open_positions"`
	MaxPositionFraction float64 `yaml:"max_position_fraction"`
	RiskPerTrade        float64 `yaml:"risk_per_trade"`
	FallbackRisk        float64 `yaml:"fallback_risk"`
}

// GatewayConfig selects and configures the broker gateway.
type GatewayConfig struct {
	Name     string `yaml:"name"`     // "bybit" or "paper"
	Category string `yaml:"category"` // bybit product category, e.g. "linear"
	Testnet  bool   `yaml:"testnet"`
	Demo     bool   `yaml:"demo"`
	// Credentials come from the environment, not the file.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

type MonitoringConfig struct {
	MetricsPort int `yaml:"metrics_port"`
	HealthPort  int `yaml:"health_port"`
}

type NotificationsConfig struct {
	TelegramToken  string `yaml:"-"`
	TelegramChatID string `yaml:"-"`
}

// StrategyConfig registers one strategy instance with the control loop.
type StrategyConfig struct {
	Key        string `yaml:"key"`
	Name       string `yaml:"name"`
	Instrument string `yaml:"instrument"`
	Timeframe  string `yaml:"timeframe"`
	// Regime is an optional tag passed to the strategy each cycle to
	// activate its regime-specific parameter overrides.
	Regime string             `yaml:"regime"`
	Params map[string]float64 `yaml:"params"`
	// RegimeOverrides replaces individual params when the named regime
	// tag is active.
	RegimeOverrides map[string]map[string]float64 `yaml:"regime_overrides"`
}

// Default returns the configuration defaults applied before the file and
// environment are read.
func Default() *Config {
	return &Config{
		Session: "fxcontrol",
		Loop: LoopConfig{
			Period: Duration(300 * time.Second),
			CooldownStages: []CooldownStage{
				{Failures: 3, Cooldown: Duration(5 * time.Minute)},
				{Failures: 5, Cooldown: Duration(15 * time.Minute)},
				{Failures: 8, Cooldown: Duration(30 * time.Minute)},
			},
			FailureAlertThreshold: 5,
			GatewayCallTimeout:    Duration(30 * time.Second),
		},
		Risk: RiskConfig{
			MaxRiskPerTrade: 0.02,
			MaxTotalRisk:    0.20,
			MaxDrawdown:     0.15,
			PnLWindow:       30,
		},
		Emergency: EmergencyConfig{
			Level1Drawdown:    0.10,
			Level2Drawdown:    0.15,
			CrisisDrawdown:    0.20,
			StopDrawdown:      0.25,
			StressVolMultiple: 2.0,
			CriticalSeverity:  3.0,
			StressTTL:         Duration(30 * time.Minute),
			StressRewardRisk:  2.0,
			CrisisRewardRisk:  3.0,
			CrisisATRMultiple: 1.5,
		},
		Positions: PositionsConfig{
			MaxPerInstrument:    2,
			MaxOpenPositions:    10,
			MaxPositionFraction: 0.05,
			RiskPerTrade:        0.02,
			FallbackRisk:        0.01,
		},
		Gateway: GatewayConfig{
			Name:     "paper",
			Category: "linear",
			Testnet:  true,
		},
		Monitoring: MonitoringConfig{
			MetricsPort: 8080,
			HealthPort:  8081,
		},
	}
}

// Load reads the YAML file at path on top of the defaults and then
// overlays environment secrets. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.Gateway.APIKey = getEnv("FXCONTROL_API_KEY", "")
	cfg.Gateway.APISecret = getEnv("FXCONTROL_API_SECRET", "")
	cfg.Notifications.TelegramToken = getEnv("FXCONTROL_TELEGRAM_TOKEN", "")
	cfg.Notifications.TelegramChatID = getEnv("FXCONTROL_TELEGRAM_CHAT_ID", "")
	if port := getEnvInt("FXCONTROL_METRICS_PORT", 0); port != 0 {
		cfg.Monitoring.MetricsPort = port
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the control loop cannot safely run with.
func (c *Config) Validate() error {
	if c.Loop.Period <= 0 {
		return fmt.Errorf("loop.period must be positive")
	}
	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade >= 1 {
		return fmt.Errorf("risk.max_risk_per_trade must be in (0,1)")
	}
	if c.Risk.MaxTotalRisk <= 0 {
		return fmt.Errorf("risk.max_total_risk must be positive")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("risk.max_drawdown must be in (0,1)")
	}
	if c.Emergency.StopDrawdown <= c.Emergency.CrisisDrawdown {
		return fmt.Errorf("emergency.stop_drawdown must exceed crisis_drawdown")
	}
	if c.Emergency.CrisisDrawdown <= c.Emergency.Level2Drawdown ||
		c.Emergency.Level2Drawdown <= c.Emergency.Level1Drawdown {
		return fmt.Errorf("emergency drawdown thresholds must be strictly increasing")
	}
	if c.Positions.MaxPerInstrument <= 0 || c.Positions.MaxOpenPositions <= 0 {
		return fmt.Errorf("position caps must be positive")
	}
	if c.Positions.MaxPositionFraction <= 0 || c.Positions.MaxPositionFraction > 0.1 {
		return fmt.Errorf("positions.max_position_fraction must be in (0,0.1]")
	}
	for i, s := range c.Strategies {
		if s.Key == "" || s.Name == "" || s.Instrument == "" || s.Timeframe == "" {
			return fmt.Errorf("strategies[%d]: key, name, instrument and timeframe are required", i)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
