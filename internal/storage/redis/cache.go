package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
)

const (
	DefaultTTL     = time.Hour
	DefaultMaxSize = 50
	defaultPrefix  = "trustproof"
)

// ProofCache 缓存已生成的证明结果。
type ProofCache interface {
	Get(ctx context.Context, key string) (proofs.Result, bool, error)
	Set(ctx context.Context, key string, result proofs.Result, ttl time.Duration) error
}

// ReputationCache 缓存地址的信誉计算结果。
type ReputationCache interface {
	Get(ctx context.Context, address string) (ebsl.ReputationResult, bool, error)
	Set(ctx context.Context, address string, result ebsl.ReputationResult, ttl time.Duration) error
}

var (
	_ ProofCache      = (*MemoryProofCache)(nil)
	_ ProofCache      = (*RedisProofCache)(nil)
	_ ReputationCache = (*MemoryReputationCache)(nil)
	_ ReputationCache = (*RedisReputationCache)(nil)
)

// ProofKey 根据证明输入生成确定性的缓存键，与证明的排列顺序无关。
func ProofKey(attestations []ebsl.Attestation, proofType proofs.Type, threshold int64) string {
	parts := make([]string, 0, len(attestations))
	for _, a := range attestations {
		parts = append(parts, fmt.Sprintf("%s-%s-%s-%s-%s",
			strings.ToLower(a.Source),
			strings.ToLower(a.Target),
			strconv.FormatFloat(a.Opinion.Belief, 'g', -1, 64),
			strconv.FormatFloat(a.Opinion.Disbelief, 'g', -1, 64),
			strconv.FormatFloat(a.Weight, 'g', -1, 64)))
	}
	sort.Strings(parts)
	digest := crypto.Keccak256Hash([]byte(strings.Join(parts, "|")))
	key := string(proofType) + "-" + digest.Hex()[2:18]
	if proofType == proofs.TypeThreshold {
		key += "-" + strconv.FormatInt(threshold, 10)
	}
	return key
}

type entry[T any] struct {
	value     T
	storedAt  time.Time
	expiresAt time.Time
}

// memoryCache 是带 TTL 与容量上限的内存缓存，满时淘汰最早写入的条目。
type memoryCache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

func newMemoryCache[T any](maxSize int, ttl time.Duration, now func() time.Time) *memoryCache[T] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &memoryCache[T]{entries: make(map[string]entry[T]), maxSize: maxSize, ttl: ttl, now: now}
}

func (c *memoryCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *memoryCache[T]) set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	now := c.now()
	c.entries[key] = entry[T]{value: value, storedAt: now, expiresAt: now.Add(ttl)}
}

func (c *memoryCache[T]) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if oldestKey == "" || e.storedAt.Before(oldest) {
			oldestKey, oldest = k, e.storedAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *memoryCache[T]) cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *memoryCache[T]) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *memoryCache[T]) clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[T])
	c.mu.Unlock()
}

// MemoryOption 定义内存缓存的可选配置。
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// WithMaxSize 设置条目上限。
func WithMaxSize(n int) MemoryOption { return func(o *memoryOptions) { o.maxSize = n } }

// WithTTL 设置默认过期时间。
func WithTTL(ttl time.Duration) MemoryOption { return func(o *memoryOptions) { o.ttl = ttl } }

// WithClock 替换时间来源。
func WithClock(now func() time.Time) MemoryOption { return func(o *memoryOptions) { o.now = now } }

func buildOptions(opts []MemoryOption) memoryOptions {
	var o memoryOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryProofCache 是进程内的证明缓存。
type MemoryProofCache struct {
	c *memoryCache[proofs.Result]
}

// NewMemoryProofCache 创建内存证明缓存，默认 TTL 1 小时、最多 50 条。
func NewMemoryProofCache(opts ...MemoryOption) *MemoryProofCache {
	o := buildOptions(opts)
	return &MemoryProofCache{c: newMemoryCache[proofs.Result](o.maxSize, o.ttl, o.now)}
}

// Get 实现 ProofCache。
func (m *MemoryProofCache) Get(_ context.Context, key string) (proofs.Result, bool, error) {
	v, ok := m.c.get(key)
	if !ok {
		return proofs.Result{}, false, nil
	}
	return v.Clone(), true, nil
}

// Set 实现 ProofCache，ttl<=0 时使用默认值。
func (m *MemoryProofCache) Set(_ context.Context, key string, result proofs.Result, ttl time.Duration) error {
	m.c.set(key, result.Clone(), ttl)
	return nil
}

// Cleanup 删除过期条目并返回删除数量。
func (m *MemoryProofCache) Cleanup() int { return m.c.cleanup() }

// Len 返回当前条目数。
func (m *MemoryProofCache) Len() int { return m.c.size() }

// Clear 清空缓存。
func (m *MemoryProofCache) Clear() { m.c.clear() }

// MemoryReputationCache 是进程内的信誉缓存。
type MemoryReputationCache struct {
	c *memoryCache[ebsl.ReputationResult]
}

// NewMemoryReputationCache 创建内存信誉缓存。
func NewMemoryReputationCache(opts ...MemoryOption) *MemoryReputationCache {
	o := buildOptions(opts)
	return &MemoryReputationCache{c: newMemoryCache[ebsl.ReputationResult](o.maxSize, o.ttl, o.now)}
}

// Get 实现 ReputationCache。
func (m *MemoryReputationCache) Get(_ context.Context, address string) (ebsl.ReputationResult, bool, error) {
	v, ok := m.c.get(strings.ToLower(address))
	return v, ok, nil
}

// Set 实现 ReputationCache。
func (m *MemoryReputationCache) Set(_ context.Context, address string, result ebsl.ReputationResult, ttl time.Duration) error {
	m.c.set(strings.ToLower(address), result, ttl)
	return nil
}

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewClient 创建并探活 Redis 客户端。
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, stdErrors.New("Redis address 不能为空")
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
	return client, nil
}

type redisJSON[T any] struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

func (r redisJSON[T]) key(kind, id string) string {
	return r.prefix + ":" + kind + ":" + id
}

func (r redisJSON[T]) get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := r.client.Get(ctx, key).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, xerrors.Wrap(xerrors.TypeStorageFailure, err, "读取 Redis 缓存失败")
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, xerrors.Wrap(xerrors.TypeStorageFailure, err, "解析 Redis 缓存失败")
	}
	return v, true, nil
}

func (r redisJSON[T]) set(ctx context.Context, key string, v T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.TypeStorageFailure, err, "序列化缓存失败")
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.TypeStorageFailure, err, "写入 Redis 缓存失败")
	}
	return nil
}

func newRedisJSON[T any](client redis.Cmdable, prefix string, ttl time.Duration) redisJSON[T] {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return redisJSON[T]{client: client, prefix: prefix, ttl: ttl}
}

// RedisProofCache 将证明结果以 JSON 存入 Redis。
type RedisProofCache struct {
	store redisJSON[proofs.Result]
}

// NewRedisProofCache 创建 Redis 证明缓存。
func NewRedisProofCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisProofCache {
	return &RedisProofCache{store: newRedisJSON[proofs.Result](client, prefix, ttl)}
}

// Get 实现 ProofCache。
func (c *RedisProofCache) Get(ctx context.Context, key string) (proofs.Result, bool, error) {
	return c.store.get(ctx, c.store.key("proof", key))
}

// Set 实现 ProofCache。
func (c *RedisProofCache) Set(ctx context.Context, key string, result proofs.Result, ttl time.Duration) error {
	return c.store.set(ctx, c.store.key("proof", key), result, ttl)
}

// RedisReputationCache 将信誉结果以 JSON 存入 Redis。
type RedisReputationCache struct {
	store redisJSON[ebsl.ReputationResult]
}

// NewRedisReputationCache 创建 Redis 信誉缓存。
func NewRedisReputationCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisReputationCache {
	return &RedisReputationCache{store: newRedisJSON[ebsl.ReputationResult](client, prefix, ttl)}
}

// Get 实现 ReputationCache。
func (c *RedisReputationCache) Get(ctx context.Context, address string) (ebsl.ReputationResult, bool, error) {
	return c.store.get(ctx, c.store.key("reputation", strings.ToLower(address)))
}

// Set 实现 ReputationCache。
func (c *RedisReputationCache) Set(ctx context.Context, address string, result ebsl.ReputationResult, ttl time.Duration) error {
	return c.store.set(ctx, c.store.key("reputation", strings.ToLower(address)), result, ttl)
}
