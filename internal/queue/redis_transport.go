package queue

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisTransportConfig configures the Redis Streams transport.
type RedisTransportConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	StreamPrefix string
	Group        string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// NewRedisTransport initialises a transport backed by Redis Streams. Each
// (queue, priority) pair maps to its own stream consumed through a shared
// consumer group, so multiple worker processes share the load and unacked
// entries survive a crash.
func NewRedisTransport(cfg RedisTransportConfig) (*RedisTransport, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.StreamPrefix)
	if prefix == "" {
		prefix = "coursecast:jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "transcode-workers"
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	transport := &RedisTransport{
		client:       client,
		prefix:       prefix,
		group:        group,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		groupsReady:  make(map[string]bool),
	}
	if transport.logger == nil {
		transport.logger = slog.Default()
	}
	if transport.blockTimeout <= 0 {
		transport.blockTimeout = 2 * time.Second
	}
	return transport, nil
}

// RedisTransport implements Transport on Redis Streams with consumer groups.
type RedisTransport struct {
	client       redis.UniversalClient
	prefix       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger

	groupMu     sync.Mutex
	groupsReady map[string]bool
}

func (t *RedisTransport) streamName(queue string, priority int) string {
	return fmt.Sprintf("%s:%s:p%d", t.prefix, queue, priority)
}

func (t *RedisTransport) Publish(ctx context.Context, queue string, priority int, body []byte) error {
	if len(body) == 0 {
		return errors.New("message body is required")
	}
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	stream := t.streamName(queue, priority)
	if err := t.ensureGroup(ctx, stream); err != nil {
		return err
	}
	_, err := t.client.Do(ctx, "XADD", stream, "*", "payload", string(body)).Result()
	return err
}

func (t *RedisTransport) ensureGroup(ctx context.Context, stream string) error {
	t.groupMu.Lock()
	defer t.groupMu.Unlock()
	if t.groupsReady[stream] {
		return nil
	}
	_, err := t.client.Do(ctx, "XGROUP", "CREATE", stream, t.group, "$", "MKSTREAM").Result()
	if err != nil {
		if isBusyGroup(err) {
			t.groupsReady[stream] = true
			return nil
		}
		return err
	}
	t.groupsReady[stream] = true
	return nil
}

func (t *RedisTransport) ensureQueueGroups(ctx context.Context, queue string) error {
	for priority := 0; priority <= MaxPriority; priority++ {
		if err := t.ensureGroup(ctx, t.streamName(queue, priority)); err != nil {
			return err
		}
	}
	return nil
}

func (t *RedisTransport) Consume(ctx context.Context, queue string) (<-chan Delivery, error) {
	if err := t.ensureQueueGroups(ctx, queue); err != nil {
		return nil, err
	}
	consumer := randomConsumerID()
	out := make(chan Delivery)
	go t.consumeLoop(ctx, queue, consumer, out)
	return out, nil
}

func (t *RedisTransport) consumeLoop(ctx context.Context, queue, consumer string, out chan<- Delivery) {
	defer close(out)
	// Streams are listed highest priority first so XREADGROUP returns
	// urgent work ahead of backlog.
	streams := make([]string, 0, MaxPriority+1)
	for priority := MaxPriority; priority >= 0; priority-- {
		streams = append(streams, t.streamName(queue, priority))
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		entries, err := t.read(ctx, streams, consumer)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			t.logger.Warn("redis transport read failed", "queue", queue, "error", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for _, entry := range entries {
			entry := entry
			delivery := Delivery{
				Body: entry.Payload,
				Ack: func() {
					t.ack(entry.Stream, entry.ID)
				},
			}
			select {
			case out <- delivery:
			case <-ctx.Done():
				// Left unacked: the consumer group keeps the entry
				// pending for redelivery after a restart.
				return
			}
		}
	}
}

func (t *RedisTransport) ack(stream, id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := t.client.Do(ctx, "XACK", stream, t.group, id).Result(); err != nil {
		t.logger.Warn("redis ack failed", "stream", stream, "id", id, "error", err)
	}
}

type redisStreamEntry struct {
	Stream  string
	ID      string
	Payload []byte
}

func (t *RedisTransport) read(ctx context.Context, streams []string, consumer string) ([]redisStreamEntry, error) {
	blockMs := int(math.Max(float64(t.blockTimeout.Milliseconds()), 1))
	args := []interface{}{
		"XREADGROUP",
		"GROUP", t.group, consumer,
		"COUNT", "32",
		"BLOCK", strconv.Itoa(blockMs),
		"STREAMS",
	}
	for _, stream := range streams {
		args = append(args, stream)
	}
	for range streams {
		args = append(args, ">")
	}
	reply, err := t.client.Do(ctx, args...).Result()
	if err != nil {
		if isNilReply(err) {
			return nil, nil
		}
		return nil, err
	}
	replyStreams, ok := reply.([]interface{})
	if !ok || len(replyStreams) == 0 {
		return nil, nil
	}
	var entries []redisStreamEntry
	for _, stream := range replyStreams {
		parts, ok := stream.([]interface{})
		if !ok || len(parts) != 2 {
			continue
		}
		streamName, _ := asString(parts[0])
		records, _ := parts[1].([]interface{})
		for _, record := range records {
			tuple, ok := record.([]interface{})
			if !ok || len(tuple) != 2 {
				continue
			}
			id, _ := asString(tuple[0])
			fields, _ := tuple[1].([]interface{})
			payload := extractPayload(fields)
			if id == "" || len(payload) == 0 {
				continue
			}
			entries = append(entries, redisStreamEntry{Stream: streamName, ID: id, Payload: payload})
		}
	}
	return entries, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

func extractPayload(fields []interface{}) []byte {
	for i := 0; i < len(fields); i += 2 {
		key, _ := asString(fields[i])
		if strings.EqualFold(key, "payload") && i+1 < len(fields) {
			value, _ := asString(fields[i+1])
			if value != "" {
				return []byte(value)
			}
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "busygrou")
}

func isNilReply(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nil reply") || strings.Contains(msg, "timeout") || errors.Is(err, redis.Nil)
}

func randomConsumerID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("consumer-%s", hex.EncodeToString(buf))
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

var _ Transport = (*RedisTransport)(nil)
