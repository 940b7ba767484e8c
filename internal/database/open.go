package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/abflow/config"
	"github.com/BaSui01/abflow/experiment"
)

// Open 按配置建立数据库连接并完成实验引擎的表结构迁移
// sqlite 走纯 Go 驱动，无 cgo 依赖，适合本地与测试环境
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*PoolManager, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := experiment.InitDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to migrate experiment schema: %w", err)
	}

	poolCfg := DefaultPoolConfig()
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = cfg.MaxOpenConns
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = cfg.MaxIdleConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
	}

	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return NewPoolManager(db, poolCfg, logger)
}
