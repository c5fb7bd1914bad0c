package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		ListenAddr   string `yaml:"listen_addr"`
		WSListenAddr string `yaml:"ws_listen_addr"` // 空字串 = 不啟用 WebSocket 入口

		// ReadTimeout 讀取迴圈單次阻塞的上限：
		// 不是斷線條件，而是讓迴圈定期醒來觀察停機旗標
		ReadTimeout time.Duration `yaml:"read_timeout"`

		// IdleTimeout 連線閒置上限，超過即註銷；0 = 不限制
		IdleTimeout time.Duration `yaml:"idle_timeout"`

		// WriteTimeout 單一框架的寫入期限（超時會有界重試）
		WriteTimeout time.Duration `yaml:"write_timeout"`

		// StallTimeout 對外送佇列滿的連線，等待多久視為失效連線
		StallTimeout time.Duration `yaml:"stall_timeout"`

		// SendBuffer 每條連線外送佇列的容量
		SendBuffer int `yaml:"send_buffer"`

		// MaxFrameBytes 單一框架的大小上限，超過視為協議違規
		MaxFrameBytes int `yaml:"max_frame_bytes"`

		Rate struct {
			Capacity     int64 `yaml:"capacity"`       // 令牌桶容量（容忍的突發框架數）
			RefillPerSec int64 `yaml:"refill_per_sec"` // 每秒平均允許的框架數
		} `yaml:"rate"`
	} `yaml:"server"`

	Matchmaking struct {
		// TickInterval 配對掃描的固定週期
		TickInterval time.Duration `yaml:"tick_interval"`

		// StartTimeout match-found 後等待雙方確認的上限，
		// 超時仍會送出 game-start（容忍不回 ack 的客戶端）
		StartTimeout time.Duration `yaml:"start_timeout"`

		// QueueScanLimit 每次掃描佇列的筆數上限
		QueueScanLimit int `yaml:"queue_scan_limit"`
	} `yaml:"matchmaking"`

	Storage struct {
		Driver string `yaml:"driver"` // "memory" 或 "postgres"

		// MachineID Snowflake 機器 ID（多實例部署時必須唯一）
		MachineID int64 `yaml:"machine_id"`

		Postgres struct {
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			DBName   string `yaml:"dbname"`
			MaxConns int32  `yaml:"max_conns"`
			MinConns int32  `yaml:"min_conns"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// LoadConfig 載入配置檔案並套用預設值
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - path 來自命令列參數，非不可信輸入
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig 返回可直接使用的預設配置（開發與測試用）
func DefaultConfig() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":5555"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 500 * time.Millisecond
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 5 * time.Second
	}
	if c.Server.StallTimeout <= 0 {
		c.Server.StallTimeout = time.Second
	}
	if c.Server.SendBuffer <= 0 {
		c.Server.SendBuffer = 256
	}
	if c.Server.MaxFrameBytes <= 0 {
		c.Server.MaxFrameBytes = 64 * 1024
	}
	if c.Server.Rate.Capacity <= 0 {
		c.Server.Rate.Capacity = 20
	}
	if c.Server.Rate.RefillPerSec <= 0 {
		c.Server.Rate.RefillPerSec = 10
	}
	if c.Matchmaking.TickInterval <= 0 {
		c.Matchmaking.TickInterval = time.Second
	}
	if c.Matchmaking.StartTimeout <= 0 {
		c.Matchmaking.StartTimeout = 3 * time.Second
	}
	if c.Matchmaking.QueueScanLimit <= 0 {
		c.Matchmaking.QueueScanLimit = 10
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Postgres.MaxConns <= 0 {
		c.Storage.Postgres.MaxConns = 10
	}
	if c.Storage.Postgres.MinConns <= 0 {
		c.Storage.Postgres.MinConns = 2
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate 驗證配置的一致性
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.Storage.Driver == "postgres" && c.Storage.Postgres.Host == "" && os.Getenv("DATABASE_URL") == "" {
		return fmt.Errorf("postgres driver requires storage.postgres.host or DATABASE_URL")
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串（環境變數優先，生產環境常用）
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Storage.Postgres.User,
		c.Storage.Postgres.Password,
		c.Storage.Postgres.Host,
		c.Storage.Postgres.Port,
		c.Storage.Postgres.DBName,
	)
}
