package ebsl

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "TrustProof-Chain/internal/errors"
)

const (
	// DefaultPartitionThreshold 超过该证明数量时启用分区融合。
	DefaultPartitionThreshold = 50
	// DefaultMaxPartitionSize 单个分区的大小上限。
	DefaultMaxPartitionSize = 20
	// DefaultBaseWeight 增量更新时旧观点保留的权重。
	DefaultBaseWeight = 0.7
	// AlgorithmVersion 写入每个结果的元数据。
	AlgorithmVersion = "ebsl-evidence-v1"

	scoreScale = 1_000_000
	// confidenceSaturation 数量因子停止增长时的证明数。
	confidenceSaturation = 10.0
)

// Engine 负责计算声誉。它只持有配置，可被任意多个 goroutine 共享。
type Engine struct {
	partitionThreshold int
	maxPartitionSize   int
	baseWeight         float64
	parallelism        int
	hasher             Hasher
	now                func() time.Time
}

// Option 用于配置 Engine。
type Option func(*Engine)

// WithPartitionThreshold 设置触发分区融合的证明数量阈值。
func WithPartitionThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.partitionThreshold = n
		}
	}
}

// WithMaxPartitionSize 设置单个分区的最大证明数。
func WithMaxPartitionSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxPartitionSize = n
		}
	}
}

// WithBaseWeight 设置增量更新的默认衰减权重。
func WithBaseWeight(w float64) Option {
	return func(e *Engine) {
		if w >= 0 && w <= 1 {
			e.baseWeight = w
		}
	}
}

// WithParallelism 限制并发融合的分区数量。
func WithParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithHasher 替换集合成员承诺所用的哈希函数。
func WithHasher(h Hasher) Option {
	return func(e *Engine) {
		if h != nil {
			e.hasher = h
		}
	}
}

// WithClock 替换元数据时间戳的时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建 Engine。
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		partitionThreshold: DefaultPartitionThreshold,
		maxPartitionSize:   DefaultMaxPartitionSize,
		baseWeight:         DefaultBaseWeight,
		parallelism:        4,
		hasher:             Keccak256,
		now:                time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// BaseWeight 返回配置的增量衰减权重。
func (e *Engine) BaseWeight() float64 { return e.baseWeight }

// ComputeReputation 将指向 address 的证明融合为声誉结果。
// 目标不符或观点非法的证明会被跳过；数量超过阈值或强制时走分区融合。
func (e *Engine) ComputeReputation(ctx context.Context, address string, attestations []Attestation, forcePartition bool) (ReputationResult, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return ReputationResult{}, xerrors.New(xerrors.TypeInvalidArgument, "地址不能为空")
	}

	relevant := make([]Attestation, 0, len(attestations))
	for _, att := range attestations {
		if !strings.EqualFold(att.Target, address) {
			continue
		}
		if !ValidateOpinion(att.Opinion) || validateWeight(att.Weight) != nil {
			continue
		}
		relevant = append(relevant, att)
	}

	result := ReputationResult{
		UserAddress: address,
		Metadata: Metadata{
			AlgorithmVersion: AlgorithmVersion,
			OpinionCount:     len(relevant),
			Timestamp:        e.now().UnixMilli(),
		},
	}
	if len(relevant) == 0 {
		result.Opinion = Vacuous()
		result.Score = OpinionToReputation(result.Opinion)
		result.Confidence = 0
		return result, nil
	}

	var (
		fused Opinion
		err   error
	)
	if forcePartition || len(relevant) > e.partitionThreshold {
		var partitions int
		fused, partitions, err = e.fusePartitioned(ctx, relevant)
		result.Metadata.IsPartitioned = true
		result.Metadata.PartitionCount = partitions
	} else {
		fused, err = FuseMultipleOpinions(relevant)
	}
	if err != nil {
		return ReputationResult{}, err
	}

	result.Opinion = fused
	result.Score = OpinionToReputation(fused)
	result.Confidence = ComputeConfidence(fused, len(relevant))
	return result, nil
}

func (e *Engine) fusePartitioned(ctx context.Context, attestations []Attestation) (Opinion, int, error) {
	partitions := PartitionAttestations(attestations, e.maxPartitionSize)
	results := make([]Opinion, len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, part := range partitions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fused, err := FuseMultipleOpinions(part)
			if err != nil {
				return fmt.Errorf("分区 %d 融合失败: %w", i, err)
			}
			results[i] = fused
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Opinion{}, 0, err
	}

	fused, err := FuseSubjectiveOpinions(results)
	if err != nil {
		return Opinion{}, 0, err
	}
	return fused, len(partitions), nil
}

// IncrementalUpdateReputation 把新证明并入已有结果。
// 旧观点权重为 baseWeight，新证据权重为 1-baseWeight；没有可用的新证明时原样返回。
func (e *Engine) IncrementalUpdateReputation(ctx context.Context, base ReputationResult, newAttestations []Attestation, baseWeight float64) (ReputationResult, error) {
	if err := validateWeight(baseWeight); err != nil {
		return ReputationResult{}, err
	}
	if len(newAttestations) == 0 {
		return base, nil
	}
	fresh, err := e.ComputeReputation(ctx, base.UserAddress, newAttestations, false)
	if err != nil {
		return ReputationResult{}, err
	}
	if fresh.Metadata.OpinionCount == 0 {
		return base, nil
	}
	if err := base.Opinion.Validate(); err != nil {
		return ReputationResult{}, xerrors.Wrap(xerrors.TypeInvalidArgument, err, "base reputation opinion")
	}

	fused, err := FuseOpinions(base.Opinion, fresh.Opinion, baseWeight, 1-baseWeight)
	if err != nil {
		return ReputationResult{}, err
	}

	previous := base
	previous.Metadata.BaseReputation = nil
	count := base.Metadata.OpinionCount + fresh.Metadata.OpinionCount
	return ReputationResult{
		UserAddress: base.UserAddress,
		Score:       OpinionToReputation(fused),
		Opinion:     fused,
		Confidence:  ComputeConfidence(fused, count),
		Metadata: Metadata{
			AlgorithmVersion: AlgorithmVersion,
			OpinionCount:     count,
			Timestamp:        e.now().UnixMilli(),
			IsIncremental:    true,
			BaseReputation:   &previous,
		},
	}, nil
}

// OpinionToReputation 将观点期望值映射到 1e6 分制。
func OpinionToReputation(o Opinion) int64 {
	score := math.Round(clamp01(o.ExpectedValue()) * scoreScale)
	return int64(score)
}

// ComputeConfidence 随不确定度下降，随证明数量增长，直至 confidenceSaturation 饱和。
func ComputeConfidence(o Opinion, count int) float64 {
	if count < 0 {
		count = 0
	}
	volume := math.Min(float64(count)/confidenceSaturation, 1)
	return (1 - clamp01(o.Uncertainty)) * (0.1 + 0.9*volume)
}
