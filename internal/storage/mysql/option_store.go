package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "PluginRuntime/internal/errors"
	"PluginRuntime/pkg/plugin"
)

const (
	selectOptionSQL = `SELECT option_value FROM plugin_options WHERE option_key = ?`
	upsertOptionSQL = `INSERT INTO plugin_options (option_key, option_value, updated_at) VALUES (?, ?, ?)
    ON DUPLICATE KEY UPDATE option_value = VALUES(option_value), updated_at = VALUES(updated_at)`
)

// OptionStore 使用 plugin_options 表持久化插件启用列表、版本与授权记录。
type OptionStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ plugin.OptionStore = (*OptionStore)(nil)

// NewOptionStore 打开数据库连接并执行内嵌迁移。
func NewOptionStore(ctx context.Context, cfg Config) (*OptionStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化插件选项存储失败")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行插件选项迁移失败")
	}
	return newOptionStore(db), nil
}

func newOptionStore(db *sql.DB) *OptionStore {
	return &OptionStore{db: db, now: time.Now}
}

// Get 读取单个选项，不存在时返回 ok=false。
func (s *OptionStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	if err := s.db.QueryRowContext(ctx, selectOptionSQL, key).Scan(&value); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取插件选项失败", xerrors.WithMetadata("key", key))
	}
	return value, true, nil
}

// Set 写入或覆盖单个选项。
func (s *OptionStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, upsertOptionSQL, key, value, s.now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入插件选项失败", xerrors.WithMetadata("key", key))
	}
	return nil
}

// Ping 检查数据库连接，供健康检查使用。
func (s *OptionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 释放连接池。
func (s *OptionStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
