package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"TrustProof-Chain/deploy/migrations"
)

const migrationTable = "schema_migrations"

// migrationStep 是一个版本化的 SQL 文件，拆分后的语句在同一事务内执行。
type migrationStep struct {
	version    string
	seq        int
	file       string
	statements []string
}

// migrator 从只读文件系统读取形如 0001_xxx.sql 的迁移并应用到数据库。
type migrator struct {
	source fs.FS
	now    func() time.Time
}

func newMigrator(source fs.FS) *migrator {
	return &migrator{source: source, now: time.Now}
}

// runMigrations 应用内嵌在 deploy/migrations 中的全部迁移。
func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := newMigrator(migrations.Files).apply(ctx, db)
	return err
}

// apply 执行尚未记录的迁移，返回本次应用的数量。
func (m *migrator) apply(ctx context.Context, db *sql.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return 0, fmt.Errorf("创建迁移记录表失败: %w", err)
	}

	steps, err := m.pending(ctx, db)
	if err != nil {
		return 0, err
	}
	for i, step := range steps {
		if err := m.applyStep(ctx, db, step); err != nil {
			return i, err
		}
	}
	return len(steps), nil
}

// pending 返回按版本号升序排列、尚未应用的迁移。
func (m *migrator) pending(ctx context.Context, db *sql.DB) ([]migrationStep, error) {
	steps, err := m.plan()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT version FROM `+migrationTable)
	if err != nil {
		return nil, fmt.Errorf("读取已应用迁移失败: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析迁移版本失败: %w", err)
		}
		done[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历迁移版本失败: %w", err)
	}

	out := steps[:0]
	for _, step := range steps {
		if !done[step.version] {
			out = append(out, step)
		}
	}
	return out, nil
}

func (m *migrator) applyStep(ctx context.Context, db *sql.DB, step migrationStep) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("迁移 %s 开启事务失败: %w", step.file, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range step.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("迁移 %s 第 %d 条语句失败: %w", step.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO `+migrationTable+` (version, applied_at) VALUES (?, ?)`,
		step.version, m.now().Unix()); err != nil {
		return fmt.Errorf("迁移 %s 记录版本失败: %w", step.file, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("迁移 %s 提交失败: %w", step.file, err)
	}
	return nil
}

// plan 解析 source 根目录下的迁移文件。非 .sql 文件被忽略，版本号必须唯一。
func (m *migrator) plan() ([]migrationStep, error) {
	matches, err := fs.Glob(m.source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}

	seen := make(map[string]string, len(matches))
	steps := make([]migrationStep, 0, len(matches))
	for _, file := range matches {
		version, seq, err := migrationVersion(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, file)
		}
		seen[version] = file

		body, err := fs.ReadFile(m.source, file)
		if err != nil {
			return nil, fmt.Errorf("读取迁移 %s 失败: %w", file, err)
		}
		statements, err := sqlStatements(string(body))
		if err != nil {
			return nil, fmt.Errorf("解析迁移 %s 失败: %w", file, err)
		}
		if len(statements) == 0 {
			continue
		}
		steps = append(steps, migrationStep{version: version, seq: seq, file: file, statements: statements})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].seq < steps[j].seq })
	return steps, nil
}

// migrationVersion 取文件名中下划线前的数字部分。
func migrationVersion(file string) (string, int, error) {
	base := strings.TrimSuffix(path.Base(file), ".sql")
	version, _, _ := strings.Cut(base, "_")
	seq, err := strconv.Atoi(version)
	if err != nil || seq <= 0 {
		return "", 0, fmt.Errorf("迁移文件名 %s 缺少数字版本前缀", file)
	}
	return version, seq, nil
}

// sqlStatements 去掉整行 -- 注释后按分号切分语句。
func sqlStatements(body string) ([]string, error) {
	var (
		statements []string
		current    strings.Builder
	)
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for {
			head, rest, found := strings.Cut(line, ";")
			current.WriteString(head)
			if !found {
				break
			}
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			line = rest
		}
		current.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if tail := strings.TrimSpace(current.String()); tail != "" {
		statements = append(statements, tail)
	}
	return statements, nil
}
