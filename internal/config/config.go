// Package config loads the controller configuration from the environment.
// Each per-tenant controller is configured entirely through env vars (and an
// optional .env file), mirroring how the slice manager deploys them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultOSNRThreshold        = 18.0
	DefaultCriticalOSNR         = 15.0
	DefaultBERThreshold         = 1e-3
	DefaultPersistencySamples   = 3
	DefaultCooldown             = 20 * time.Second
	DefaultTxStepDB             = 1.0
	DefaultTxMinDBM             = -15.0
	DefaultTxMaxDBM             = 0.0
	DefaultSlotWidthGHz         = 12.5
	DefaultSpectrumSlots        = 4
	DefaultTotalSlots           = 320
	DefaultStoreTimeout         = 5 * time.Second
	DefaultSendTimeout          = 10 * time.Second
	DefaultHeartbeatMaxAge      = 60 * time.Second
	DefaultAgentEvictionAge     = 5 * time.Minute
	DefaultAgentReaperInterval  = 5 * time.Minute
	DefaultRecoverySweepPeriod  = 5 * time.Second
	DefaultMaxReconfigs         = 3
	DefaultQoTHistorySize       = 100
	DefaultMetricsAddr          = ":9490"
)

type AdjustMode string

const (
	AdjustBoth        AdjustMode = "both"
	AdjustSource      AdjustMode = "source"
	AdjustDestination AdjustMode = "destination"
)

type Config struct {
	VirtualOperator string
	ControllerID    string

	BrokerAddress   string
	ConfigTopic     string
	MonitoringTopic string

	StoreHost     string
	StorePort     int
	StorePassword string
	StoreTimeout  time.Duration

	OSNRThreshold      float64
	CriticalOSNR       float64
	BERThreshold       float64
	PersistencySamples int
	Cooldown           time.Duration
	TxStepDB           float64
	TxMinDBM           float64
	TxMaxDBM           float64
	AdjustMode         AdjustMode

	// EfficiencyAdjust enables the power down-step when OSNR sits well above
	// threshold. Kept policy-configurable.
	EfficiencyAdjust bool

	SlotWidthGHz         float64
	DefaultSpectrumSlots int
	TotalSlots           int

	SendTimeout time.Duration

	MetricsAddr string

	// EnsureTopics creates the per-tenant topics at startup. Off by default:
	// the slice manager owns topic creation.
	EnsureTopics bool
}

// Load reads configuration from the process environment, optionally merging
// an env file first (missing files are ignored).
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		VirtualOperator: os.Getenv("VIRTUAL_OPERATOR"),
		ControllerID:    os.Getenv("CONTROLLER_ID"),
		BrokerAddress:   os.Getenv("BROKER_ADDRESS"),
		ConfigTopic:     os.Getenv("CONFIG_TOPIC"),
		MonitoringTopic: os.Getenv("MONITORING_TOPIC"),
		StoreHost:       os.Getenv("STORE_HOST"),
		StorePassword:   os.Getenv("STORE_PASSWORD"),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		AdjustMode:      AdjustMode(os.Getenv("ADJUST_MODE")),
	}

	var err error
	if cfg.StorePort, err = envInt("STORE_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.OSNRThreshold, err = envFloat("OSNR_THRESHOLD", DefaultOSNRThreshold); err != nil {
		return nil, err
	}
	if cfg.CriticalOSNR, err = envFloat("CRITICAL_OSNR", DefaultCriticalOSNR); err != nil {
		return nil, err
	}
	if cfg.BERThreshold, err = envFloat("BER_THRESHOLD", DefaultBERThreshold); err != nil {
		return nil, err
	}
	if cfg.PersistencySamples, err = envInt("PERSISTENCY_SAMPLES", DefaultPersistencySamples); err != nil {
		return nil, err
	}
	cooldownSec, err := envInt("COOLDOWN_SEC", int(DefaultCooldown/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.Cooldown = time.Duration(cooldownSec) * time.Second
	if cfg.TxStepDB, err = envFloat("TX_STEP_DB", DefaultTxStepDB); err != nil {
		return nil, err
	}
	if cfg.TxMinDBM, err = envFloat("TX_MIN_DBM", DefaultTxMinDBM); err != nil {
		return nil, err
	}
	if cfg.TxMaxDBM, err = envFloat("TX_MAX_DBM", DefaultTxMaxDBM); err != nil {
		return nil, err
	}
	if cfg.SlotWidthGHz, err = envFloat("SLOT_WIDTH_GHZ", DefaultSlotWidthGHz); err != nil {
		return nil, err
	}
	if cfg.DefaultSpectrumSlots, err = envInt("DEFAULT_SPECTRUM_SLOTS", DefaultSpectrumSlots); err != nil {
		return nil, err
	}
	if cfg.TotalSlots, err = envInt("TOTAL_SLOTS", DefaultTotalSlots); err != nil {
		return nil, err
	}
	if cfg.EfficiencyAdjust, err = envBool("EFFICIENCY_ADJUST", true); err != nil {
		return nil, err
	}
	if cfg.EnsureTopics, err = envBool("ENSURE_TOPICS", false); err != nil {
		return nil, err
	}
	cfg.StoreTimeout = DefaultStoreTimeout
	cfg.SendTimeout = DefaultSendTimeout

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.VirtualOperator == "" {
		return errors.New("virtual operator is required")
	}
	if c.BrokerAddress == "" {
		return errors.New("broker address is required")
	}
	if c.StoreHost == "" {
		return errors.New("store host is required")
	}
	if c.ControllerID == "" {
		c.ControllerID = "controller-" + c.VirtualOperator
	}
	if c.ConfigTopic == "" {
		c.ConfigTopic = "config_" + c.VirtualOperator
	}
	if c.MonitoringTopic == "" {
		c.MonitoringTopic = "monitoring_" + c.VirtualOperator
	}
	if c.AdjustMode == "" {
		c.AdjustMode = AdjustBoth
	}
	switch c.AdjustMode {
	case AdjustBoth, AdjustSource, AdjustDestination:
	default:
		return fmt.Errorf("adjust mode must be one of both, source, destination: got %q", c.AdjustMode)
	}
	if c.OSNRThreshold <= c.CriticalOSNR {
		return errors.New("osnr threshold must be above the critical osnr")
	}
	if c.BERThreshold <= 0 {
		return errors.New("ber threshold must be greater than 0")
	}
	if c.PersistencySamples <= 0 {
		return errors.New("persistency samples must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("cooldown must be greater than 0")
	}
	if c.TxMinDBM >= c.TxMaxDBM {
		return errors.New("tx power range is empty")
	}
	if c.SlotWidthGHz <= 0 {
		return errors.New("slot width must be greater than 0")
	}
	if c.TotalSlots <= 0 {
		return errors.New("total slots must be greater than 0")
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = DefaultMetricsAddr
	}
	return nil
}

func (c *Config) StoreAddr() string {
	return fmt.Sprintf("%s:%d", c.StoreHost, c.StorePort)
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}
