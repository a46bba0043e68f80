package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"VaultOps/deploy/migrations"
	xerrors "VaultOps/internal/errors"
	"VaultOps/pkg/logger"
)

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectMigrationsSQL = `SELECT version, checksum FROM schema_migrations`
	insertMigrationSQL  = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

// schemaMigration 是 deploy/migrations 下的一个 NNNN_name.sql 文件。
type schemaMigration struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// migrator 按版本顺序执行内嵌迁移。已执行的迁移若内容被修改，拒绝启动，
// 部署记录与作业表不能与代码中的结构不一致。
type migrator struct {
	db    *sql.DB
	files fs.FS
	now   func() time.Time
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	return (&migrator{db: db, files: migrations.Files, now: time.Now}).run(ctx)
}

func (m *migrator) run(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return err
	}
	pending, err := loadSchemaMigrations(m.files)
	if err != nil {
		return err
	}

	log := logger.Named("storage.mysql")
	for _, mig := range pending {
		if sum, ok := applied[mig.version]; ok {
			if sum != mig.checksum {
				return xerrors.New(xerrors.CodeStorageFailure,
					fmt.Sprintf("迁移 %s 已执行但文件内容已变化, 请新增迁移而不是修改旧文件", mig.name),
					xerrors.WithMetadata("version", mig.version))
			}
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		log.Info("数据库迁移已执行", "version", mig.version, "file", mig.name)
	}
	return nil
}

func (m *migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, selectMigrationsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		out[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return out, nil
}

// apply 在单个事务中执行迁移语句并登记版本。
// MySQL 的 DDL 会隐式提交，CREATE TABLE IF NOT EXISTS 保证失败后可以重跑。
func (m *migrator) apply(ctx context.Context, mig schemaMigration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	for _, stmt := range mig.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("执行迁移 %s 失败", mig.name))
		}
	}
	if _, err := tx.ExecContext(ctx, insertMigrationSQL, mig.version, mig.name, mig.checksum, m.now().Unix()); err != nil {
		_ = tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("登记迁移 %s 失败", mig.name))
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("提交迁移 %s 失败", mig.name))
	}
	return nil
}

// loadSchemaMigrations 读取 *.sql，按版本排序；版本重复视为打包错误。
func loadSchemaMigrations(files fs.FS) ([]schemaMigration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取迁移目录失败")
	}

	seen := make(map[string]string, len(names))
	out := make([]schemaMigration, 0, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取迁移文件 %s 失败", name))
		}
		statements := splitStatements(string(raw))
		if len(statements) == 0 {
			continue
		}
		version, _, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok || version == "" {
			return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("迁移文件名 %s 需要 NNNN_name.sql 格式", name))
		}
		if other, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("迁移 %s 与 %s 版本重复", name, other))
		}
		seen[version] = name
		sum := sha256.Sum256(raw)
		out = append(out, schemaMigration{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitStatements 去掉整行的 -- 注释后按分号切分。迁移中不使用包含分号的字符串字面量。
func splitStatements(content string) []string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var statements []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}
