package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/speters/rgad/internal/config"
	"github.com/speters/rgad/rga"
)

// the subset of *redis.Client used by Redis
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// Redis publishes spectra on a channel and keeps the latest ones in a list per device
type Redis struct {
	client  redisClient
	channel string
	history int
	log     logrus.FieldLogger
}

// DialRedis connects and pings the server
func DialRedis(ctx context.Context, cfg config.RedisConfig, log logrus.FieldLogger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	log.Infof("Connected to redis at %v", cfg.Addr)
	return NewRedis(client, cfg.Channel, cfg.History, log), nil
}

// NewRedis wraps client. history is the number of spectra kept per device, 0 disables the list.
func NewRedis(client redisClient, channel string, history int, log logrus.FieldLogger) *Redis {
	return &Redis{client: client, channel: channel, history: history, log: log}
}

// HistoryKey is the list holding the latest spectra of device
func HistoryKey(device string) string {
	return fmt.Sprintf("rga:%s:spectra", device)
}

func (r *Redis) Publish(ctx context.Context, device string, sp *rga.Spectrum) error {
	data, err := json.Marshal(Message{Device: device, Spectrum: sp})
	if err != nil {
		return fmt.Errorf("encoding spectrum: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing spectrum: %w", err)
	}
	if r.history == 0 {
		return nil
	}
	key := HistoryKey(device)
	if err := r.client.LPush(ctx, key, data).Err(); err != nil {
		r.log.Warnf("Saving spectrum to %v failed: %v", key, err)
		return nil
	}
	if err := r.client.LTrim(ctx, key, 0, int64(r.history-1)).Err(); err != nil {
		r.log.Warnf("Trimming %v failed: %v", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
