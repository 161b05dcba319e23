package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"TrustProof-Chain/pkg/logger"
)

// 证明生成方式。
const (
	MethodRemote     = "remote"
	MethodSimulation = "simulation"
)

// DeviceProfile 是不含身份信息的主机能力摘要。
type DeviceProfile struct {
	Class       string `json:"class"`
	RAMCategory string `json:"ram_category"`
	CPUCount    int    `json:"cpu_count"`
}

// TelemetryEvent 描述一次证明生成的结果，不包含用户数据。
type TelemetryEvent struct {
	Method      string        `json:"method"`
	DurationMs  int64         `json:"ms"`
	CircuitSize int           `json:"size"`
	Device      DeviceProfile `json:"device"`
	Success     bool          `json:"success"`
	ErrorType   string        `json:"error_type,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// TelemetrySink 接收证明遥测事件。
type TelemetrySink interface {
	TrackProof(ctx context.Context, event TelemetryEvent) error
}

// LogTelemetry 将遥测事件写入结构化日志。
type LogTelemetry struct{}

// TrackProof 实现 TelemetrySink。
func (LogTelemetry) TrackProof(_ context.Context, event TelemetryEvent) error {
	logger.L().Info("证明遥测",
		slog.String("method", event.Method),
		slog.Int64("duration_ms", event.DurationMs),
		slog.Int("circuit_size", event.CircuitSize),
		slog.String("device_class", event.Device.Class),
		slog.String("ram_category", event.Device.RAMCategory),
		slog.Bool("success", event.Success),
		slog.String("error_type", event.ErrorType),
	)
	return nil
}

// CircuitSize 返回能容纳 n 条证明的电路规模：不小于 16 的 2 的幂。
func CircuitSize(n int) int {
	size := 16
	for size < n {
		size *= 2
	}
	return size
}

// ramCategory: low (<4GB), medium (4-8GB), high (>8GB)。
func ramCategory(totalBytes uint64) string {
	const gb = 1 << 30
	switch {
	case totalBytes == 0:
		return "unknown"
	case totalBytes < 4*gb:
		return "low"
	case totalBytes <= 8*gb:
		return "medium"
	default:
		return "high"
	}
}

// DetectDevice 通过 gopsutil 读取主机内存，读取失败时内存类别为 unknown。
func DetectDevice(ctx context.Context) DeviceProfile {
	profile := DeviceProfile{Class: "server", RAMCategory: "unknown", CPUCount: runtime.NumCPU()}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.L().Debug("读取主机内存失败", slog.Any("error", err))
		return profile
	}
	profile.RAMCategory = ramCategory(vm.Total)
	return profile
}
