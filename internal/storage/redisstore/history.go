// Package redisstore keeps fraud activity history in Redis sorted sets so
// the FraudEngine window queries stay O(log n) under heavy traffic. SQL
// remains the source of truth for licenses and activations.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"licensehub/internal/license"
	"licensehub/pkg/contracts/domain"
)

const defaultPrefix = "lh"

// Connect accepts a redis:// URL or a bare host:port
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// HistoryStore implements license.HistoryStore. Each license has one sorted
// set of device hashes and one of IPs, scored by the last time they were
// seen, so ZCOUNT over a score range is a distinct count for the window.
// Window members are trimmed after retention. Device bindings are a plain
// set per device and never expire, matching the activation records of the
// SQL store.
type HistoryStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ license.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates a store. Window members older than retention are
// trimmed on write.
func NewHistoryStore(client *redis.Client, prefix string, retention time.Duration) *HistoryStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &HistoryStore{client: client, prefix: prefix, retention: retention}
}

func (s *HistoryStore) activationsKey(licenseID string) string {
	return s.prefix + ":act:" + licenseID
}

func (s *HistoryStore) ipsKey(licenseID string) string {
	return s.prefix + ":ip:" + licenseID
}

func (s *HistoryStore) deviceKey(deviceIDHash string) string {
	return s.prefix + ":dev:" + deviceIDHash
}

func (s *HistoryStore) RecordActivity(ctx context.Context, event domain.ActivityEvent) error {
	score := float64(event.OccurredAt.UnixMilli())
	cutoff := strconv.FormatInt(event.OccurredAt.Add(-s.retention).UnixMilli(), 10)

	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if event.Kind == domain.ActivityActivation && event.DeviceIDHash != "" {
			key := s.activationsKey(event.LicenseID)
			p.ZAdd(ctx, key, redis.Z{Score: score, Member: event.DeviceIDHash})
			p.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			p.Expire(ctx, key, s.retention)
		}
		if event.IPAddress != "" {
			key := s.ipsKey(event.LicenseID)
			p.ZAdd(ctx, key, redis.Z{Score: score, Member: event.IPAddress})
			p.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
			p.Expire(ctx, key, s.retention)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (s *HistoryStore) RecordDeviceBinding(ctx context.Context, licenseID, deviceIDHash string) error {
	if err := s.client.SAdd(ctx, s.deviceKey(deviceIDHash), licenseID).Err(); err != nil {
		return fmt.Errorf("record device binding: %w", err)
	}
	return nil
}

func (s *HistoryStore) CountRecentActivations(ctx context.Context, licenseID string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.activationsKey(licenseID), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count recent activations: %w", err)
	}
	return int(n), nil
}

func (s *HistoryStore) CountDistinctIPs(ctx context.Context, licenseID string, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, s.ipsKey(licenseID), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count distinct ips: %w", err)
	}
	return int(n), nil
}

func (s *HistoryStore) FindDeviceHashOnOtherLicense(ctx context.Context, deviceIDHash, excludeLicenseID string) (bool, error) {
	licenses, err := s.client.SMembers(ctx, s.deviceKey(deviceIDHash)).Result()
	if err != nil {
		return false, fmt.Errorf("find device on other license: %w", err)
	}
	for _, id := range licenses {
		if id != excludeLicenseID {
			return true, nil
		}
	}
	return false, nil
}

// Ping checks connectivity
func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
