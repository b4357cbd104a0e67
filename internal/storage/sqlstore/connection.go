package sqlstore

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "ARGOS/internal/errors"
)

// 支持的驱动名称。
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config 描述连接池参数。
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// Retries 为首次连接失败时的重试次数。
	Retries     int
	BusyTimeout time.Duration
}

// DB 包装连接池并记录驱动类型。
type DB struct {
	*sql.DB
	driver string
}

// Driver 返回驱动名称。
func (d *DB) Driver() string {
	return d.driver
}

// Open 建立连接池、校验连通性并执行全部未应用的迁移。
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "数据库 DSN 不能为空")
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(cfg)
	case DriverMySQL:
		db, err = openMySQL(cfg)
	default:
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("不支持的数据库驱动: %s", cfg.Driver))
	}
	if err != nil {
		return nil, err
	}

	attempts := uint(cfg.Retries)
	if attempts == 0 {
		attempts = 1
	}
	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, fmt.Sprintf("无法连接到 %s", driver))
	}

	out := &DB{DB: db, driver: driver}
	if err := out.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return out, nil
}

func openSQLite(cfg Config) (*sql.DB, error) {
	dsn := cfg.DSN
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "创建数据库目录失败")
		}
		busy := cfg.BusyTimeout
		if busy <= 0 {
			busy = 5 * time.Second
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
			dsn, busy.Milliseconds())
	}
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 只允许单写者。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func openMySQL(cfg Config) (*sql.DB, error) {
	db, err := sql.Open(DriverMySQL, cfg.DSN)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	return db, nil
}

// IsDuplicate 判断错误是否为主键或唯一约束冲突。
func IsDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
