package attestation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"TrustProof-Chain/internal/ebsl"
	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/pkg/logger"
)

// Source 按目标地址返回其收到的信任证明。
type Source interface {
	Fetch(ctx context.Context, target string) ([]ebsl.Attestation, error)
}

// ValidateAddress 检查 target 是否为合法的以太坊地址。
func ValidateAddress(target string) error {
	if !common.IsHexAddress(target) {
		return xerrors.New(xerrors.TypeInvalidArgument, fmt.Sprintf("无效的地址: %q", target))
	}
	return nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func filterTarget(all []ebsl.Attestation, target string) []ebsl.Attestation {
	out := make([]ebsl.Attestation, 0, len(all))
	for _, att := range all {
		if sameAddress(att.Target, target) {
			out = append(out, att)
		}
	}
	return out
}

// StaticSource 返回内存中的固定集合，可在运行期追加。
type StaticSource struct {
	mu           sync.RWMutex
	attestations []ebsl.Attestation
}

// NewStaticSource 创建静态来源。
func NewStaticSource(attestations ...ebsl.Attestation) *StaticSource {
	return &StaticSource{attestations: append([]ebsl.Attestation(nil), attestations...)}
}

// Add 追加证明。
func (s *StaticSource) Add(attestations ...ebsl.Attestation) {
	s.mu.Lock()
	s.attestations = append(s.attestations, attestations...)
	s.mu.Unlock()
}

// Fetch 实现 Source。
func (s *StaticSource) Fetch(_ context.Context, target string) ([]ebsl.Attestation, error) {
	if err := ValidateAddress(target); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterTarget(s.attestations, target), nil
}

// FileSource 每次调用时读取 JSON 文件，文件内容为证明数组。
type FileSource struct {
	path string
}

// NewFileSource 创建文件来源。
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch 实现 Source。
func (s *FileSource) Fetch(_ context.Context, target string) ([]ebsl.Attestation, error) {
	if err := ValidateAddress(target); err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TypeNetworkError, err, fmt.Sprintf("读取证明文件失败: %s", s.path))
	}
	all, err := decodeAttestations(content)
	if err != nil {
		return nil, err
	}
	return filterTarget(all, target), nil
}

// decodeAttestations 接受裸数组或 {"attestations": [...]}。
func decodeAttestations(content []byte) ([]ebsl.Attestation, error) {
	var list []ebsl.Attestation
	if err := json.Unmarshal(content, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Attestations []ebsl.Attestation `json:"attestations"`
	}
	if err := json.Unmarshal(content, &wrapped); err != nil {
		return nil, xerrors.Wrap(xerrors.TypeInvalidWitnessData, err, "解析证明数据失败")
	}
	return wrapped.Attestations, nil
}

// HTTPSource 通过 GET {endpoint}?target=<addr> 查询远端索引服务。
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource 创建 HTTP 来源，client 为空时使用带超时的默认客户端。
func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{endpoint: endpoint, client: client}
}

// Fetch 实现 Source。
func (s *HTTPSource) Fetch(ctx context.Context, target string) ([]ebsl.Attestation, error) {
	if err := ValidateAddress(target); err != nil {
		return nil, err
	}
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TypeInvalidArgument, err, "证明服务地址无效")
	}
	q := u.Query()
	q.Set("target", target)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TypeInvalidArgument, err, "构造证明查询失败")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TypeNetworkError, err, "证明查询失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TypeNetworkError, err, "读取证明响应失败")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.New(xerrors.TypeAPIError, fmt.Sprintf("证明服务返回 %d", resp.StatusCode),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	all, err := decodeAttestations(body)
	if err != nil {
		return nil, err
	}
	return filterTarget(all, target), nil
}

// FallbackSource 在下层来源失败时返回确定性的模拟证明，不向引擎传播传输错误。
type FallbackSource struct {
	primary Source
}

// NewFallbackSource 包装 primary。
func NewFallbackSource(primary Source) *FallbackSource {
	return &FallbackSource{primary: primary}
}

// Fetch 实现 Source。地址非法时仍返回错误。
func (s *FallbackSource) Fetch(ctx context.Context, target string) ([]ebsl.Attestation, error) {
	if err := ValidateAddress(target); err != nil {
		return nil, err
	}
	atts, err := s.primary.Fetch(ctx, target)
	if err == nil {
		return atts, nil
	}
	logger.L().Warn("证明来源不可用，使用模拟数据",
		slog.String("target", target),
		slog.Any("error", err))
	return Mock(target, time.Now()), nil
}

// Mock 以目标地址为种子生成 1 到 5 条模拟证明，同一地址结果相同。
func Mock(target string, now time.Time) []ebsl.Attestation {
	digest := crypto.Keccak256([]byte(strings.ToLower(target)))
	rnd := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(digest[:8]))))

	kinds := []ebsl.AttestationType{ebsl.AttestationTrust, ebsl.AttestationSkill, ebsl.AttestationVouch}
	count := rnd.Intn(5) + 1
	out := make([]ebsl.Attestation, 0, count)
	for i := 0; i < count; i++ {
		var source common.Address
		rnd.Read(source[:])
		belief := rnd.Float64()
		disbelief := rnd.Float64() * (1 - belief)
		created := now.Add(-time.Duration(rnd.Int63n(int64(30 * 24 * time.Hour))))
		out = append(out, ebsl.Attestation{
			Source: source.Hex(),
			Target: target,
			Opinion: ebsl.Opinion{
				Belief:      belief,
				Disbelief:   disbelief,
				Uncertainty: 1 - belief - disbelief,
				BaseRate:    0.5,
			},
			AttestationType: kinds[rnd.Intn(len(kinds))],
			Weight:          rnd.Float64()*0.5 + 0.5,
			CreatedAt:       created.UnixMilli(),
			ExpiresAt:       created.Add(365 * 24 * time.Hour).UnixMilli(),
		})
	}
	return out
}
