// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ジョブ状態の保存先
const (
	JobStoreMemory = "memory"
	JobStoreRedis  = "redis"
)

// ジョブの実行方式
const (
	JobDispatchInProcess = "inprocess"
	JobDispatchQueue     = "queue"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アクセス制御（どちらも空ならチェックしない）
	AccessPassword     string // X-Access-Token と比較する平文パスワード
	AccessPasswordHash string // bcryptでハッシュ化されたパスワード（平文より優先）

	// ファイル設定
	PanoRoot    string // 全景図ディレクトリとカタログファイルのルート
	WebRoot     string // index.html を配信するディレクトリ（空なら配信しない）
	MaxFileSize int64  // アップロードの最大サイズ（バイト）

	// krpano設定
	KrpanoExe            string // krpanotools 実行ファイルのパス
	KrpanoConfig         string // makepano に渡す -config（任意）
	KrpanoTimeoutSeconds int    // 変換のタイムアウト秒（0 は無制限）

	// ジョブ/キュー設定
	WorkerConcurrency int    // 同時に実行する変換ジョブ数
	JobStore          string // memory または redis
	JobDispatch       string // inprocess または queue
	QueueRedisURL     string // Asynq / Redis 接続URL
	JobExpireMinutes  int    // Redis上のジョブ状態の有効期限（0 は無期限）

	// 孤立ディレクトリの掃除
	OrphanSweepSchedule string // cron 形式（空なら無効）
	OrphanGraceMinutes  int    // この時間より新しいディレクトリは削除しない

	// ログ設定
	LogLevel      string // debug, info, warn, error
	LogFormat     string // text または json
	LogDir        string // ローテーションするログファイルの出力先（空ならファイル出力なし）
	LogRetainDays int    // ログファイルの保持日数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		// アクセス制御
		AccessPassword:     getEnv("ACCESS_PASSWORD", ""),
		AccessPasswordHash: getEnv("ACCESS_PASSWORD_HASH", ""),

		// ファイル設定
		PanoRoot:    getEnv("PANO_ROOT", filepath.Join("wwwroot", "panoramas")),
		WebRoot:     getEnv("WEB_ROOT", "wwwroot"),
		MaxFileSize: getEnvAsInt64("MAX_FILE_SIZE", 524288000), // 500MB

		// krpano設定
		KrpanoExe:            getEnv("KRPANO_EXE", ""),
		KrpanoConfig:         getEnv("KRPANO_CONFIG", ""),
		KrpanoTimeoutSeconds: getEnvAsInt("KRPANO_TIMEOUT_SECONDS", 0),

		// ジョブ/キュー設定
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 2),
		JobStore:          strings.ToLower(getEnv("JOB_STORE", JobStoreMemory)),
		JobDispatch:       strings.ToLower(getEnv("JOB_DISPATCH", JobDispatchInProcess)),
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", ""),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 0),

		// 孤立ディレクトリの掃除
		OrphanSweepSchedule: getEnvAllowEmpty("ORPHAN_SWEEP_SCHEDULE", "@every 1h"),
		OrphanGraceMinutes:  getEnvAsInt("ORPHAN_GRACE_MINUTES", 1440),

		// ログ設定
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "text"),
		LogDir:        getEnv("LOG_DIR", "logs"),
		LogRetainDays: getEnvAsInt("LOG_RETAIN_DAYS", 7),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
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
// KRPANO_EXE の存在確認は最初の変換時に行うため、ここでは見ません。
func (c *Config) Validate() error {
	if c.PanoRoot == "" {
		return fmt.Errorf("PANO_ROOT is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}

	switch c.JobStore {
	case JobStoreMemory:
	case JobStoreRedis:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when JOB_STORE=redis")
		}
	default:
		return fmt.Errorf("JOB_STORE must be %q or %q (received: %s)", JobStoreMemory, JobStoreRedis, c.JobStore)
	}

	switch c.JobDispatch {
	case JobDispatchInProcess:
	case JobDispatchQueue:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when JOB_DISPATCH=queue")
		}
	default:
		return fmt.Errorf("JOB_DISPATCH must be %q or %q (received: %s)", JobDispatchInProcess, JobDispatchQueue, c.JobDispatch)
	}

	// 本番環境ではアクセス制御を必須にする
	if c.GinMode == "release" {
		if c.AccessPassword == "" && c.AccessPasswordHash == "" {
			return fmt.Errorf("ACCESS_PASSWORD or ACCESS_PASSWORD_HASH is required in release mode")
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

// getEnvAllowEmpty は未設定の場合だけデフォルト値を返します。空文字の設定はそのまま使います。
func getEnvAllowEmpty(key string, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return strings.TrimSpace(value)
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
