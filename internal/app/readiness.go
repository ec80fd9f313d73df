package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tangleworks/vidimport/internal/config"
)

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal Redis surface readiness needs.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns the worker's dependency probes: redis,
// temp directory writability, and origin reachability.
func BuildReadinessChecks(cfg config.Config, rdb RedisClient) []ReadinessCheck {
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}

	tempCheck := func(_ context.Context) error {
		probe := filepath.Join(cfg.TempDir, ".readyz-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
			return fmt.Errorf("temp dir not writable: %w", err)
		}
		return os.Remove(probe)
	}

	originCheck := func(ctx context.Context) error {
		client := &http.Client{Timeout: 2 * time.Second}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.OriginBaseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		// Any HTTP answer proves reachability; an unauthenticated GET on
		// the zone root is expected to be rejected.
		if resp.StatusCode >= 500 {
			return fmt.Errorf("origin status %d", resp.StatusCode)
		}
		return nil
	}

	return []ReadinessCheck{
		{Name: "redis", Check: redisCheck},
		{Name: "temp_dir", Check: tempCheck},
		{Name: "origin", Check: originCheck},
	}
}
