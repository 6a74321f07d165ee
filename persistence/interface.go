// persistence/interface.go
package persistence

import (
	"context"
	"fmt"

	"github.com/wfunc/georoom/models"
)

// Database is a read-only source of rounds for the catalog.
type Database interface {
	LoadRounds(ctx context.Context) ([]models.Round, error)
	Close() error
}

// PostgresConfig 连接参数
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the key/value connection string understood by both drivers.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, sslMode)
}

// 错误定义
var (
	ErrNoRounds = fmt.Errorf("no enabled rounds in database")
)
