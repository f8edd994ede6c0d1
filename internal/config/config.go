// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// MinConcurrency と MaxConcurrency はパイプラインごとの同時実行数の範囲です。
	MinConcurrency = 1
	MaxConcurrency = 5
)

// PipelineConfig は 1 パイプライン分のワーカー設定です。
type PipelineConfig struct {
	Enabled      bool          // ワーカーを起動するか
	Concurrency  int           // 同時実行数（1〜5 にクランプ済み）
	PollInterval time.Duration // ポーリング間隔
}

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string            // ログイン用ユーザー名
	AppPasswordHash string            // bcryptでハッシュ化されたパスワード
	AppUsers        map[string]string // 追加の利用者と bcrypt ハッシュ（APP_USERS="name:hash,..."）
	SessionSecret   string            // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxFileSize int64 // 単一ファイルの最大サイズ（バイト）

	// ストレージ設定
	StorageDir string // DocumentStore のルートディレクトリ
	WorkDir    string // 一時作業ディレクトリ（空なら OS の一時ディレクトリ）

	// ジョブ/キュー設定
	JobStoreDriver     string        // redis または sqlite
	JobSQLitePath      string        // SQLite ファイルのパス
	QueueRedisURL      string        // ジョブストア/キック通知用の Redis 接続URL
	JobKickEnabled     bool          // 投入時に Asynq でスケジューラーを起こすか
	JobMaxAttempts     int           // ジョブの最大試行回数
	JobStuckMinutes    int           // PROCESSING のまま放置されたジョブを戻すまでの分数
	JobClaimBatch      int           // claimNext で走査する候補数
	JobRetentionHours  int           // 終了済みジョブの保持時間（Redis の TTL）
	JobMaintenanceSpec string        // 定期リカバリーの cron 式
	JobPollInterval    time.Duration // 既定のポーリング間隔

	// パイプライン設定
	AuditPackage PipelineConfig
	Conversion   PipelineConfig
	Finalize     PipelineConfig

	// PDF処理設定
	GhostscriptPath  string // Ghostscript実行ファイルのパス
	RasterDensity    int    // ラスタライズ時の既定DPI
	TocMaxIterations int    // 目次ページ数の固定点反復の上限
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	pollInterval := getEnvAsDuration("JOB_POLL_INTERVAL", 2*time.Second)

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		AppUsers:        parseUsers(getEnv("APP_USERS", "")),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ファイル制限
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 104857600), // 100MB

		// ストレージ設定
		StorageDir: getEnv("STORAGE_DIR", filepath.Join("data", "documents")),
		WorkDir:    getEnv("WORK_DIR", ""),

		// ジョブ/キュー設定
		JobStoreDriver:     strings.ToLower(getEnv("JOB_STORE_DRIVER", "sqlite")),
		JobSQLitePath:      getEnv("JOB_SQLITE_PATH", filepath.Join("data", "jobs.db")),
		QueueRedisURL:      getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobKickEnabled:     getEnvAsBool("JOB_KICK_ENABLED", false),
		JobMaxAttempts:     getEnvAsInt("JOB_MAX_ATTEMPTS", 3),
		JobStuckMinutes:    getEnvAsInt("JOB_STUCK_MINUTES", 15),
		JobClaimBatch:      getEnvAsInt("JOB_CLAIM_BATCH", 10),
		JobRetentionHours:  getEnvAsInt("JOB_RETENTION_HOURS", 168),
		JobMaintenanceSpec: getEnv("JOB_MAINTENANCE_SPEC", "@every 5m"),
		JobPollInterval:    pollInterval,

		AuditPackage: loadPipeline("AUDIT", pollInterval),
		Conversion:   loadPipeline("CONVERSION", pollInterval),
		Finalize:     loadPipeline("FINALIZE", pollInterval),

		// PDF処理設定
		GhostscriptPath:  getEnv("GHOSTSCRIPT_PATH", "gs"),
		RasterDensity:    getEnvAsInt("RASTER_DENSITY", 150),
		TocMaxIterations: getEnvAsInt("TOC_MAX_ITERATIONS", 3),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadPipeline(prefix string, defaultInterval time.Duration) PipelineConfig {
	return PipelineConfig{
		Enabled:      getEnvAsBool(prefix+"_WORKER_ENABLED", true),
		Concurrency:  ClampConcurrency(getEnvAsInt(prefix+"_WORKER_CONCURRENCY", 2)),
		PollInterval: getEnvAsDuration(prefix+"_POLL_INTERVAL", defaultInterval),
	}
}

// parseUsers は "name:hash,name:hash" 形式を読み込みます。形式の合わない項目は無視します。
func parseUsers(raw string) map[string]string {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		name, hash, ok := strings.Cut(strings.TrimSpace(entry), ":")
		name, hash = strings.TrimSpace(name), strings.TrimSpace(hash)
		if !ok || name == "" || hash == "" {
			continue
		}
		users[name] = hash
	}
	return users
}

// Credentials は APP_USERNAME と APP_USERS をまとめた利用者名→ハッシュの表を返します。
func (c *Config) Credentials() map[string]string {
	creds := make(map[string]string, len(c.AppUsers)+1)
	for name, hash := range c.AppUsers {
		creds[name] = hash
	}
	if c.AppUsername != "" && c.AppPasswordHash != "" {
		creds[c.AppUsername] = c.AppPasswordHash
	}
	return creds
}

// ClampConcurrency は同時実行数を MinConcurrency〜MaxConcurrency に収めます。
func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// StuckThreshold は recoverStuck に渡す経過時間を返します。
func (c *Config) StuckThreshold() time.Duration {
	if c.JobStuckMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.JobStuckMinutes) * time.Minute
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.JobStoreDriver {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("JOB_STORE_DRIVER must be redis or sqlite (got %q)", c.JobStoreDriver)
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 1")
	}
	if c.JobStoreDriver == "sqlite" && c.JobSQLitePath == "" {
		return fmt.Errorf("JOB_SQLITE_PATH is required when JOB_STORE_DRIVER=sqlite")
	}
	if (c.JobStoreDriver == "redis" || c.JobKickEnabled) && c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required for the redis job store and kick notifier")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if len(c.Credentials()) == 0 {
			return fmt.Errorf("APP_USERNAME and APP_PASSWORD_HASH (or APP_USERS) are required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.GhostscriptPath == "" {
			return fmt.Errorf("GHOSTSCRIPT_PATH is required in release mode")
		}
		if c.StorageDir == "" {
			return fmt.Errorf("STORAGE_DIR is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "2s" のような期間指定を読み込みます。整数のみの場合は秒とみなします。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		if secs <= 0 {
			return defaultValue
		}
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}
