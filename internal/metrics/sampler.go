package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"TrustProof-Chain/pkg/logger"
)

// Sampler 返回当前进程的内存（MB）与 CPU 占用（百分比）。
type Sampler interface {
	Sample(ctx context.Context) (memoryMB, cpuPercent float64, err error)
}

// ProcessSampler 通过 gopsutil 读取本进程的资源占用。
type ProcessSampler struct {
	proc *process.Process
}

// NewProcessSampler 创建针对当前进程的采样器。
func NewProcessSampler() (*ProcessSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("获取进程信息失败: %w", err)
	}
	return &ProcessSampler{proc: proc}, nil
}

// Sample 实现 Sampler 接口。
func (s *ProcessSampler) Sample(ctx context.Context) (float64, float64, error) {
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("读取内存占用失败: %w", err)
	}
	cpu, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("读取 CPU 占用失败: %w", err)
	}
	return float64(mem.RSS) / (1024 * 1024), cpu, nil
}

// Track 按 interval 周期采样并写入 proofID 的资源记录，直到 ctx 结束。
func (c *Collector) Track(ctx context.Context, proofID string, sampler Sampler, interval time.Duration) {
	if sampler == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}
	sample := func() {
		memoryMB, cpuPercent, err := sampler.Sample(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.L().Debug("资源采样失败", slog.String("proof_id", proofID), slog.Any("error", err))
			}
			return
		}
		c.UpdateResourceUsage(proofID, memoryMB, cpuPercent)
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}
