package orm

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	glogger "gorm.io/gorm/logger"
)

type Config struct {
	Type        string `mapstructure:"type"`         // mysql | sqlite
	DSN         string `mapstructure:"dsn"`          // 连接字符串
	MaxIdle     int    `mapstructure:"max_idle"`     // 最大空闲连接
	MaxOpen     int    `mapstructure:"max_open"`     // 最大打开连接
	MaxLifetime int    `mapstructure:"max_lifetime"` // 连接存活秒数
	LogLevel    string `mapstructure:"log_level"`    // silent|error|warn|info
}

// New 按 Type 打开数据库
func New(c *Config) (*gorm.DB, error) {
	switch strings.ToLower(c.Type) {
	case "", "mysql":
		return NewMySQL(c)
	case "sqlite":
		return NewSQLite(c)
	default:
		return nil, fmt.Errorf("unsupported db type %q", c.Type)
	}
}

// NewMySQL 初始化 GORM (MySQL)
func NewMySQL(c *Config) (*gorm.DB, error) {
	// 金额、时间字段依赖 parseTime，这里强制打开，避免 DSN 漏配
	dc, err := gomysql.ParseDSN(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	dc.ParseTime = true
	dc.Loc = time.UTC

	db, err := gorm.Open(mysql.Open(dc.FormatDSN()), &gorm.Config{
		Logger:         glogger.Default.LogMode(logLevel(c.LogLevel)),
		TranslateError: true, // 唯一键冲突统一成 gorm.ErrDuplicatedKey
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// 连接池
	sqlDB.SetMaxIdleConns(orDefault(c.MaxIdle, 10))
	sqlDB.SetMaxOpenConns(orDefault(c.MaxOpen, 100))
	sqlDB.SetConnMaxLifetime(time.Duration(orDefault(c.MaxLifetime, 3600)) * time.Second)
	return db, nil
}

// NewSQLite 纯 Go 的 sqlite 驱动，单机部署与测试使用
// sqlite 只有一个写者，连接池固定为 1，内存库也因此在整个进程内共享
func NewSQLite(c *Config) (*gorm.DB, error) {
	dsn := c.DSN
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         glogger.Default.LogMode(logLevel(c.LogLevel)),
		TranslateError: true, // 唯一键冲突统一成 gorm.ErrDuplicatedKey
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func logLevel(s string) glogger.LogLevel {
	switch strings.ToLower(s) {
	case "silent":
		return glogger.Silent
	case "error":
		return glogger.Error
	case "info":
		return glogger.Info
	default:
		return glogger.Warn
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
