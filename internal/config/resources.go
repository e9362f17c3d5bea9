package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

// Resources bundles the server's external connections so that their
// lifecycle is managed in one place.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client
	bucket   string
}

// NewResources dials Postgres, Redis and object storage, creates the snapshot
// bucket when missing, and verifies all three respond.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, &ConfigurationError{Field: "POSTGRES_URL", Reason: err.Error()}
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		pgPool.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("create object client: %w", err)
	}

	res := &Resources{
		Postgres: pgPool,
		Redis:    redisClient,
		Object:   objectClient,
		bucket:   cfg.ObjectBucket,
	}

	if err := res.ensureBucket(ctx, cfg.ObjectRegion); err != nil {
		res.Close()
		return nil, err
	}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func (r *Resources) ensureBucket(ctx context.Context, region string) error {
	exists, err := r.Object.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", r.bucket, err)
	}
	if exists {
		return nil
	}
	if err := r.Object.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", r.bucket, err)
	}
	return nil
}

// HealthCheck verifies that all dependencies respond.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres healthcheck failed: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis healthcheck failed: %w", err)
	}
	// Object storage has no ping; stat the bucket instead.
	if _, err := r.Object.BucketExists(ctx, r.bucket); err != nil {
		return fmt.Errorf("object storage healthcheck failed: %w", err)
	}
	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
