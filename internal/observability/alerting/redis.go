package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 发布渠道的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisPublisher 是 go-redis 客户端中发布消息所需的子集。
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier 通过 Redis Pub/Sub 广播提示，前端网关订阅该频道即可推送。
type RedisNotifier struct {
	publisher RedisPublisher
	channel   string
	client    *redis.Client
}

// NewRedisNotifier 连接 Redis 并创建通知器。
func NewRedisNotifier(ctx context.Context, cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	n := NewRedisNotifierWithPublisher(client, cfg.Channel)
	n.client = client
	return n, nil
}

// NewRedisNotifierWithPublisher 使用已有的发布者创建通知器。
func NewRedisNotifierWithPublisher(publisher RedisPublisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = "onboard:advisories"
	}
	return &RedisNotifier{publisher: publisher, channel: channel}
}

// Channel 返回 Redis 渠道。
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

// Notify 以 JSON 形式发布事件。
func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.publisher == nil {
		return errors.New("Redis 通知器未初始化")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化提示失败: %w", err)
	}
	if err := n.publisher.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布提示失败: %w", err)
	}
	return nil
}

// Close 关闭自行创建的 Redis 客户端。
func (n *RedisNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Close()
}
