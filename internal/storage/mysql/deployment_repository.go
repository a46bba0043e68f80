package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	xerrors "VaultOps/internal/errors"
	"VaultOps/internal/storage"

	"github.com/ethereum/go-ethereum/common"
)

// DeploymentRepository 使用 MySQL 保存部署记录与已执行的部署步骤。
type DeploymentRepository struct {
	db *sql.DB
}

// NewDeploymentRepository opens the pool and applies the migrations.
func NewDeploymentRepository(ctx context.Context, cfg Config) (*DeploymentRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DeploymentRepository{db: db}, nil
}

// NewDeploymentRepositoryWithDB wraps an existing pool whose schema is already migrated.
func NewDeploymentRepositoryWithDB(db *sql.DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

const upsertDeploymentSQL = `INSERT INTO deployments
    (network, name, contract_type, address, abi, tx_hash, block_number, args, bytecode_hash, deployed_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE contract_type = VALUES(contract_type), address = VALUES(address), abi = VALUES(abi),
    tx_hash = VALUES(tx_hash), block_number = VALUES(block_number), args = VALUES(args),
    bytecode_hash = VALUES(bytecode_hash), deployed_at = VALUES(deployed_at)`

const selectDeploymentColumns = `SELECT network, name, contract_type, address, abi, tx_hash, block_number, args, bytecode_hash, deployed_at
    FROM deployments`

// SaveDeployment 插入或覆盖同名部署记录。
func (r *DeploymentRepository) SaveDeployment(ctx context.Context, d storage.Deployment) error {
	if d.Name == "" || d.Network == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署记录缺少名称或网络")
	}
	if d.DeployedAt.IsZero() {
		d.DeployedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, upsertDeploymentSQL,
		d.Network,
		d.Name,
		d.ContractType,
		d.Address.Hex(),
		string(d.ABI),
		d.TxHash.Hex(),
		d.BlockNumber,
		string(d.Args),
		d.BytecodeHash.Hex(),
		d.DeployedAt.Unix(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入部署记录 %s 失败", d.Name))
	}
	return nil
}

// GetDeployment 查询单条部署记录。
func (r *DeploymentRepository) GetDeployment(ctx context.Context, network, name string) (storage.Deployment, error) {
	row := r.db.QueryRowContext(ctx, selectDeploymentColumns+` WHERE network = ? AND name = ?`, network, name)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Deployment{}, storage.NotFound(network, name)
	}
	if err != nil {
		return storage.Deployment{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("查询部署记录 %s 失败", name))
	}
	return d, nil
}

// ListDeployments 返回网络上的全部部署记录，按名称排序。
func (r *DeploymentRepository) ListDeployments(ctx context.Context, network string) ([]storage.Deployment, error) {
	rows, err := r.db.QueryContext(ctx, selectDeploymentColumns+` WHERE network = ? ORDER BY name`, network)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	defer rows.Close()

	var out []storage.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析部署记录失败")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历部署记录失败")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(s scanner) (storage.Deployment, error) {
	var (
		d                             storage.Deployment
		address, txHash, bytecodeHash string
		abiJSON, args                 sql.NullString
		deployedAt                    int64
	)
	if err := s.Scan(&d.Network, &d.Name, &d.ContractType, &address, &abiJSON, &txHash, &d.BlockNumber, &args, &bytecodeHash, &deployedAt); err != nil {
		return storage.Deployment{}, err
	}
	d.Address = common.HexToAddress(address)
	d.TxHash = common.HexToHash(txHash)
	d.BytecodeHash = common.HexToHash(bytecodeHash)
	if abiJSON.Valid && abiJSON.String != "" {
		d.ABI = []byte(abiJSON.String)
	}
	if args.Valid && args.String != "" {
		d.Args = []byte(args.String)
	}
	d.DeployedAt = time.Unix(deployedAt, 0).UTC()
	return d, nil
}

// MarkExecuted 记录部署步骤已执行，重复执行时更新时间。
func (r *DeploymentRepository) MarkExecuted(ctx context.Context, network, stepID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO deploy_steps (network, step_id, executed_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE executed_at = VALUES(executed_at)`, network, stepID, at.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("记录部署步骤 %s 失败", stepID))
	}
	return nil
}

// ExecutedSteps 返回网络上已执行的部署步骤。
func (r *DeploymentRepository) ExecutedSteps(ctx context.Context, network string) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT step_id, executed_at FROM deploy_steps WHERE network = ?`, network)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署步骤失败")
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析部署步骤失败")
		}
		out[id] = time.Unix(ts, 0).UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历部署步骤失败")
	}
	return out, nil
}

// Close 关闭底层数据库连接。
func (r *DeploymentRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ storage.Repository = (*DeploymentRepository)(nil)
