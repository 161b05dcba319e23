package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "TrustProof-Chain/internal/errors"
	"TrustProof-Chain/internal/proofs"
)

const memoryRecordLimit = 512

// ProofRecord 是证明请求结束后的落库结构，不保存原始证明列表。
type ProofRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id,omitempty"`
	Status           proofs.Status   `json:"status"`
	Priority         proofs.Priority `json:"priority"`
	ProofType        proofs.Type     `json:"proof_type"`
	Threshold        *int64          `json:"threshold,omitempty"`
	CircuitType      string          `json:"circuit_type,omitempty"`
	AttestationCount int             `json:"attestation_count"`
	ProofHash        string          `json:"proof_hash,omitempty"`
	Result           *proofs.Result  `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorType        string          `json:"error_type,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// RecordFromRequest 将队列中的请求转换为落库记录。
func RecordFromRequest(req *proofs.Request) ProofRecord {
	c := req.Clone()
	rec := ProofRecord{
		ID:               c.ID,
		UserID:           c.UserID,
		Status:           c.Status,
		Priority:         c.Priority,
		ProofType:        c.ProofType,
		Threshold:        c.Threshold,
		CircuitType:      c.CircuitType,
		AttestationCount: len(c.Attestations),
		Result:           c.Result,
		Error:            c.Error,
		ErrorType:        c.ErrorType,
		CreatedAt:        c.CreatedAt,
		StartedAt:        c.StartedAt,
		CompletedAt:      c.CompletedAt,
	}
	if c.Result != nil {
		rec.ProofHash = c.Result.Hash
	}
	return rec
}

// DurationMs 返回处理耗时，未开始或未结束时为 0。
func (r ProofRecord) DurationMs() int64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
}

// Request 将记录还原为请求视图，attestations 不落库因此为空。
func (r ProofRecord) Request() *proofs.Request {
	req := &proofs.Request{
		ID:          r.ID,
		UserID:      r.UserID,
		Priority:    r.Priority,
		ProofType:   r.ProofType,
		Threshold:   r.Threshold,
		CircuitType: r.CircuitType,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Status:      r.Status,
		Result:      r.Result,
		Error:       r.Error,
		ErrorType:   r.ErrorType,
	}
	if r.Status == proofs.StatusCompleted {
		req.Progress = 100
	}
	return req.Clone()
}

// ProofRepository 抽象证明记录的持久化接口。
type ProofRepository interface {
	Save(ctx context.Context, record ProofRecord) error
	Get(ctx context.Context, id string) (ProofRecord, error)
	ListRecent(ctx context.Context, limit int) ([]ProofRecord, error)
	Close() error
}

var (
	_ ProofRepository = (*MemoryProofRepository)(nil)
	_ ProofRepository = (*SQLProofRepository)(nil)
)

func notFound(id string) error {
	return xerrors.Wrap(xerrors.TypeNotFound, xerrors.ErrRequestNotFound, fmt.Sprintf("证明记录 %s 不存在", id))
}

// MemoryProofRepository 在内存中保存最近的记录；dataDir 非空时同时追加写入 JSON 行文件。
type MemoryProofRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []ProofRecord
}

// NewMemoryProofRepository 创建内存仓库并从 dataDir 恢复历史记录。
func NewMemoryProofRepository(dataDir string) (*MemoryProofRepository, error) {
	repo := &MemoryProofRepository{}
	if dataDir == "" {
		return repo, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo.dataFile = filepath.Join(dataDir, "proofs.log")
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 保存记录，同一 ID 的旧记录会被替换。
func (m *MemoryProofRepository) Save(_ context.Context, record ProofRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dataFile != "" {
		if err := m.appendToDisk(record); err != nil {
			return err
		}
	}
	m.upsert(record)
	return nil
}

func (m *MemoryProofRepository) upsert(record ProofRecord) {
	for i, existing := range m.records {
		if existing.ID == record.ID {
			m.records = append(m.records[:i], m.records[i+1:]...)
			break
		}
	}
	m.records = append([]ProofRecord{record}, m.records...)
	if len(m.records) > memoryRecordLimit {
		m.records = m.records[:memoryRecordLimit]
	}
}

func (m *MemoryProofRepository) appendToDisk(record ProofRecord) error {
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开证明日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化证明记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入证明日志失败: %w", err)
	}
	return nil
}

// Get 按 ID 查询记录。
func (m *MemoryProofRepository) Get(_ context.Context, id string) (ProofRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return ProofRecord{}, notFound(id)
}

// ListRecent 返回最近保存的记录，按保存时间倒序。
func (m *MemoryProofRepository) ListRecent(_ context.Context, limit int) ([]ProofRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]ProofRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// Close 实现 ProofRepository。
func (m *MemoryProofRepository) Close() error { return nil }

func (m *MemoryProofRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取证明日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var record ProofRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		m.upsert(record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析证明日志失败: %w", err)
	}
	return nil
}

// SQLProofRepository 使用 MySQL 存储证明记录。
type SQLProofRepository struct {
	db *sql.DB
}

// NewSQLProofRepository 创建连接池并执行迁移。
func NewSQLProofRepository(ctx context.Context, cfg Config) (*SQLProofRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLProofRepository{db: db}, nil
}

// NewSQLProofRepositoryWithDB 使用已有连接，不执行迁移。
func NewSQLProofRepositoryWithDB(db *sql.DB) *SQLProofRepository {
	return &SQLProofRepository{db: db}
}

const upsertProofSQL = `INSERT INTO proof_requests
    (id, user_id, status, priority, proof_type, threshold, circuit_type, attestation_count, proof_hash, result_json, error_message, error_type, created_at, started_at, completed_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), proof_hash = VALUES(proof_hash), result_json = VALUES(result_json),
    error_message = VALUES(error_message), error_type = VALUES(error_type), started_at = VALUES(started_at), completed_at = VALUES(completed_at)`

const selectProofColumns = `SELECT id, user_id, status, priority, proof_type, threshold, circuit_type, attestation_count, proof_hash, result_json, error_message, error_type, created_at, started_at, completed_at
    FROM proof_requests`

func millis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// Save 写入或更新证明记录。
func (s *SQLProofRepository) Save(ctx context.Context, record ProofRecord) error {
	var resultJSON sql.NullString
	if record.Result != nil {
		encoded, err := json.Marshal(record.Result)
		if err != nil {
			return xerrors.Wrap(xerrors.TypeStorageFailure, err, "序列化证明结果失败")
		}
		resultJSON = sql.NullString{String: string(encoded), Valid: true}
	}
	var threshold sql.NullInt64
	if record.Threshold != nil {
		threshold = sql.NullInt64{Int64: *record.Threshold, Valid: true}
	}
	var errMsg sql.NullString
	if record.Error != "" {
		errMsg = sql.NullString{String: record.Error, Valid: true}
	}
	created := record.CreatedAt

	if _, err := s.db.ExecContext(ctx, upsertProofSQL,
		record.ID,
		record.UserID,
		string(record.Status),
		record.Priority.Level(),
		string(record.ProofType),
		threshold,
		record.CircuitType,
		record.AttestationCount,
		record.ProofHash,
		resultJSON,
		errMsg,
		record.ErrorType,
		created.UnixMilli(),
		millis(record.StartedAt),
		millis(record.CompletedAt),
	); err != nil {
		return xerrors.Wrap(xerrors.TypeStorageFailure, err, "写入证明记录失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (ProofRecord, error) {
	var (
		rec        ProofRecord
		status     string
		priority   int
		proofType  string
		threshold  sql.NullInt64
		resultJSON sql.NullString
		errMsg     sql.NullString
		created    int64
		started    sql.NullInt64
		completed  sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &status, &priority, &proofType, &threshold, &rec.CircuitType,
		&rec.AttestationCount, &rec.ProofHash, &resultJSON, &errMsg, &rec.ErrorType, &created, &started, &completed); err != nil {
		return ProofRecord{}, err
	}
	rec.Status = proofs.Status(status)
	rec.Priority, _ = proofs.PriorityFromLevel(priority)
	rec.ProofType = proofs.Type(proofType)
	if threshold.Valid {
		v := threshold.Int64
		rec.Threshold = &v
	}
	if resultJSON.Valid && resultJSON.String != "" {
		var result proofs.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return ProofRecord{}, fmt.Errorf("解析证明结果失败: %w", err)
		}
		rec.Result = &result
	}
	rec.Error = errMsg.String
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.StartedAt = fromMillis(started)
	rec.CompletedAt = fromMillis(completed)
	return rec, nil
}

// Get 按 ID 查询记录。
func (s *SQLProofRepository) Get(ctx context.Context, id string) (ProofRecord, error) {
	row := s.db.QueryRowContext(ctx, selectProofColumns+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ProofRecord{}, notFound(id)
	}
	if err != nil {
		return ProofRecord{}, xerrors.Wrap(xerrors.TypeStorageFailure, err, "查询证明记录失败")
	}
	return rec, nil
}

// ListRecent 查询最近创建的记录。
func (s *SQLProofRepository) ListRecent(ctx context.Context, limit int) ([]ProofRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, selectProofColumns+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TypeStorageFailure, err, "查询证明记录失败")
	}
	defer rows.Close()

	var records []ProofRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.TypeStorageFailure, err, "解析证明记录失败")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.TypeStorageFailure, err, "遍历证明记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLProofRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
