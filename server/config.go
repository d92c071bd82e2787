package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"gridspace/grid"
)

// Config 服务运行参数，来自 GRIDSPACE_* 环境变量
type Config struct {
	Addr          string        `env:"GRIDSPACE_ADDR"            envDefault:":3001"`
	LogFile       string        `env:"GRIDSPACE_LOG_FILE"        envDefault:"app.log"`
	LogLevel      string        `env:"GRIDSPACE_LOG_LEVEL"       envDefault:"info"`
	DBPath        string        `env:"GRIDSPACE_DB_PATH"         envDefault:"gridspace.db"`
	JWTSecret     string        `env:"GRIDSPACE_JWT_SECRET"`
	JWTIssuer     string        `env:"GRIDSPACE_JWT_ISSUER"`
	MoveRule      string        `env:"GRIDSPACE_MOVE_RULE"       envDefault:"orthogonal"`
	ScanOrder     string        `env:"GRIDSPACE_SCAN_ORDER"      envDefault:"column"`
	SendBuffer    int           `env:"GRIDSPACE_SEND_BUFFER"     envDefault:"64"`
	InboxSize     int           `env:"GRIDSPACE_INBOX_SIZE"      envDefault:"32"`
	WriteTimeout  time.Duration `env:"GRIDSPACE_WRITE_TIMEOUT"   envDefault:"5s"`
	ReadTimeout   time.Duration `env:"GRIDSPACE_READ_TIMEOUT"    envDefault:"60s"`
	MaxFrameBytes int64         `env:"GRIDSPACE_MAX_FRAME_BYTES" envDefault:"65536"`
	PersistQueue  int           `env:"GRIDSPACE_PERSIST_QUEUE"   envDefault:"1024"`
}

// LoadConfig 解析并校验环境变量
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查必填项与取值范围
func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("GRIDSPACE_JWT_SECRET is required")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.SendBuffer <= 0 || c.InboxSize <= 0 || c.PersistQueue <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}
	if c.WriteTimeout <= 0 || c.ReadTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("GRIDSPACE_MAX_FRAME_BYTES must be positive")
	}
	return nil
}

// Policy 返回配置的移动规则与落点扫描顺序
func (c Config) Policy() (grid.Policy, error) {
	rule, err := grid.ParseMoveRule(c.MoveRule)
	if err != nil {
		return grid.Policy{}, err
	}
	order, err := grid.ParseScanOrder(c.ScanOrder)
	if err != nil {
		return grid.Policy{}, err
	}
	return grid.Policy{Move: rule, Scan: order}, nil
}

// DefaultConfig 与环境变量默认值一致（测试与嵌入使用）
func DefaultConfig() Config {
	return Config{
		Addr:          ":3001",
		LogFile:       "app.log",
		LogLevel:      "info",
		DBPath:        "gridspace.db",
		MoveRule:      "orthogonal",
		ScanOrder:     "column",
		SendBuffer:    64,
		InboxSize:     32,
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   60 * time.Second,
		MaxFrameBytes: 65536,
		PersistQueue:  1024,
	}
}

// withDefaults 为未设置（零值）的运行参数补上默认值
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.PersistQueue <= 0 {
		c.PersistQueue = d.PersistQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}
