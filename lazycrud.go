// Package lazycrud wires the library's infrastructure from configuration:
// database, optional redis, optional blob storage, rate limiter, logger, and
// metrics. Hosts build generators on top of the returned backend.
package lazycrud

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lazyapps/lazycrud/config"
	"github.com/lazyapps/lazycrud/files"
	"github.com/lazyapps/lazycrud/metrics"
	"github.com/lazyapps/lazycrud/ratelimit"
	"github.com/lazyapps/lazycrud/store"
)

// Backend bundles the infrastructure the generators run on.
type Backend struct {
	DB      *gorm.DB
	Tx      *store.GormBackend
	Redis   redis.UniversalClient
	Storage *files.Manager
	Limiter ratelimit.Limiter
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Setup builds a backend from configuration. Redis and blob storage are
// optional: without redis the rate limiter falls back to the transactional
// database limiter, without a bucket Storage is nil and file lifecycle is
// disabled.
func Setup(cfg *config.Config) (*Backend, error) {
	logger, err := NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	db, err := openDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	b := &Backend{
		DB:     db,
		Tx:     store.NewGormBackend(db),
		Logger: logger,
	}

	if cfg.Metrics.Enabled {
		b.Metrics = metrics.New(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	}

	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis connection failed, using database rate limiter", zap.Error(err))
		} else {
			b.Redis = client
		}
	}
	if b.Redis != nil {
		b.Limiter = ratelimit.NewRedis(b.Redis)
	} else {
		b.Limiter = ratelimit.NewDB(db)
	}

	if cfg.Storage.Bucket != "" {
		client, err := files.NewS3Client(files.S3Config{
			Endpoint:        cfg.Storage.Endpoint,
			Region:          cfg.Storage.Region,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			Bucket:          cfg.Storage.Bucket,
			URLTTL:          cfg.Storage.URLTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("build storage client: %w", err)
		}
		storage := files.NewS3Storage(client, cfg.Storage.Bucket, cfg.Storage.URLTTL)
		b.Storage = files.NewManager(storage, logger)
	}

	return b, nil
}

// AutoMigrate migrates the given models plus the library's own tables.
func (b *Backend) AutoMigrate(models ...any) error {
	models = append(models, &ratelimit.Counter{})
	return b.DB.AutoMigrate(models...)
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			return err
		}
	}
	sqlDB, err := b.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewLogger builds a zap logger from log configuration.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" || cfg.Format == "text" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// openDatabase opens the postgres connection with pooling configured.
func openDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return db, nil
}
