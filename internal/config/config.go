package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/matejbures93-hub/Sklad-FIFO/pkg/inventory"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Logging  LoggingConfig  `yaml:"logging"`
	Storage  StorageConfig  `yaml:"storage"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// LedgerConfig holds batch ledger configuration
// バッチ台帳の設定を保持
type LedgerConfig struct {
	MaxConflictRetries  int `yaml:"max_conflict_retries"`
	CriticalWindowDays  int `yaml:"critical_window_days"`
	DefaultHistoryLimit int `yaml:"default_history_limit"`
	MaxHistoryLimit     int `yaml:"max_history_limit"`
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// StorageConfig selects the batch store implementation
type StorageConfig struct {
	Driver string `yaml:"driver"` // postgres, memory
}

// Default returns the built-in configuration
// 既定の設定を返す
func Default() *Config {
	ledger := inventory.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "sklad",
			Password: "password",
			DBName:   "sklad_fifo",
			SSLMode:  "disable",
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Ledger: LedgerConfig{
			MaxConflictRetries:  ledger.MaxConflictRetries,
			CriticalWindowDays:  ledger.CriticalWindowDays,
			DefaultHistoryLimit: ledger.DefaultHistoryLimit,
			MaxHistoryLimit:     ledger.MaxHistoryLimit,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Driver: "postgres",
		},
	}
}

// Load loads configuration from defaults, an optional YAML file named by
// CONFIG_FILE, then environment variables
// 既定値・YAMLファイル・環境変数の順に設定を読み込み
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.API.Port = getEnvAsInt("API_PORT", c.API.Port)
	c.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", c.API.EnableCORS)
	c.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", c.API.EnableMetrics)

	c.Ledger.MaxConflictRetries = getEnvAsInt("LEDGER_MAX_CONFLICT_RETRIES", c.Ledger.MaxConflictRetries)
	c.Ledger.CriticalWindowDays = getEnvAsInt("LEDGER_CRITICAL_WINDOW_DAYS", c.Ledger.CriticalWindowDays)
	c.Ledger.DefaultHistoryLimit = getEnvAsInt("LEDGER_DEFAULT_HISTORY_LIMIT", c.Ledger.DefaultHistoryLimit)
	c.Ledger.MaxHistoryLimit = getEnvAsInt("LEDGER_MAX_HISTORY_LIMIT", c.Ledger.MaxHistoryLimit)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)

	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// ストレージ設定チェック
	switch c.Storage.Driver {
	case "postgres":
		// データベース設定チェック
		if c.Database.Host == "" {
			return fmt.Errorf("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("データベース名が指定されていません")
		}
	case "memory":
	default:
		return fmt.Errorf("無効なストレージドライバー: %s", c.Storage.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 台帳設定チェック
	if c.Ledger.MaxConflictRetries <= 0 {
		return fmt.Errorf("競合リトライ回数は正の値である必要があります: %d", c.Ledger.MaxConflictRetries)
	}
	if c.Ledger.CriticalWindowDays <= 0 {
		return fmt.Errorf("期限間近の日数は正の値である必要があります: %d", c.Ledger.CriticalWindowDays)
	}
	if c.Ledger.DefaultHistoryLimit <= 0 || c.Ledger.DefaultHistoryLimit > c.Ledger.MaxHistoryLimit {
		return fmt.Errorf("無効な履歴件数設定: 既定 %d, 上限 %d", c.Ledger.DefaultHistoryLimit, c.Ledger.MaxHistoryLimit)
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// LedgerSettings converts the ledger section into manager settings
// 台帳設定をマネージャー設定に変換
func (c *Config) LedgerSettings() *inventory.Config {
	return &inventory.Config{
		MaxConflictRetries:  c.Ledger.MaxConflictRetries,
		CriticalWindowDays:  c.Ledger.CriticalWindowDays,
		DefaultHistoryLimit: c.Ledger.DefaultHistoryLimit,
		MaxHistoryLimit:     c.Ledger.MaxHistoryLimit,
	}
}

// NewLogger builds a zap logger from the logging section
// ログ設定からロガーを生成
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("無効なログレベル: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = c.Logging.Format
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	output := c.Logging.Output
	if output == "" {
		output = "stdout"
	}
	zc.OutputPaths = []string{output}

	return zc.Build()
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
