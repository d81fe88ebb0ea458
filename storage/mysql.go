package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/transformer"
	"github.com/go-sql-driver/mysql"
)

const mysqlCreateTable = `
	CREATE TABLE IF NOT EXISTS telemetry_records (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_id VARCHAR(255) NOT NULL,
		device_type VARCHAR(255) NOT NULL,
		timestamp BIGINT NOT NULL,
		country VARCHAR(255) NOT NULL,
		city VARCHAR(255) NOT NULL,
		area VARCHAR(255) NOT NULL,
		factory VARCHAR(255) NOT NULL,
		section VARCHAR(255) NOT NULL,
		data JSON,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_device_id (device_id),
		INDEX idx_device_type (device_type),
		INDEX idx_timestamp (timestamp)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

const mysqlInsert = `INSERT INTO telemetry_records (device_id, device_type, timestamp, country, city, area, factory, section, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// MySQLStorage stores canonical records in MySQL
type MySQLStorage struct {
	db *sql.DB
}

// NewMySQLStorage creates the database named in dsn if needed, connects to it
// and creates the telemetry_records table
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse MySQL DSN failed: %w", err)
	}

	// connect to the server without selecting a database
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL server failed: %w", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci",
		strings.ReplaceAll(database, "`", "``")))
	if err != nil {
		return nil, fmt.Errorf("create database failed: %w", err)
	}
	logger.Info("ensured MySQL database %s exists", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to MySQL database failed: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL ping failed: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)

	storage, err := newMySQLStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("MySQL storage initialized")
	return storage, nil
}

func newMySQLStorage(db *sql.DB) (*MySQLStorage, error) {
	storage := &MySQLStorage{db: db}
	if err := storage.InitDatabase(); err != nil {
		return nil, fmt.Errorf("init MySQL database failed: %w", err)
	}
	return storage, nil
}

// parseMySQLDSN returns the database name in dsn and the same DSN without it
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	if cfg.DBName == "" {
		return "", "", fmt.Errorf("DSN does not name a database")
	}

	database = cfg.DBName
	cfg.DBName = ""
	return database, cfg.FormatDSN(), nil
}

// InitDatabase creates the telemetry_records table
func (ms *MySQLStorage) InitDatabase() error {
	if _, err := ms.db.Exec(mysqlCreateTable); err != nil {
		return fmt.Errorf("create telemetry_records table failed: %w", err)
	}
	return nil
}

// Store inserts one record
func (ms *MySQLStorage) Store(record transformer.Record) error {
	args, err := recordArgs(record)
	if err != nil {
		return err
	}

	if _, err := ms.db.Exec(mysqlInsert, args...); err != nil {
		return fmt.Errorf("insert telemetry record failed: %w", err)
	}

	logger.Debug("stored record of device %s to MySQL", record.DeviceID)
	return nil
}

// Close closes the connection pool
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("close MySQL connection failed: %w", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
