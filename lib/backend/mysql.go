package backend

import (
	"errors"

	"github.com/go-sql-driver/mysql"

	apperrors "github.com/go-i2p/sqlpool/lib/errors"
)

// MySQL server error numbers that mean the session itself is gone.
const (
	mysqlServerShutdown   = 1053 // ER_SERVER_SHUTDOWN
	mysqlConnectionKilled = 1927 // ER_CONNECTION_KILLED
)

func init() {
	Register("mysql", OpenMySQL)
}

// OpenMySQL builds a MySQL backend from a go-sql-driver DSN such as
// "user:pass@tcp(127.0.0.1:3306)/db?parseTime=true".
func OpenMySQL(dsn string) (*Backend, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Join(apperrors.ErrConfiguration, err)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	return &Backend{
		Name:      "mysql",
		DSN:       dsn,
		Connector: connector,
		Classify:  ClassifyMySQL,
	}, nil
}

// ClassifyMySQL sorts go-sql-driver/mysql errors.
func ClassifyMySQL(err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlServerShutdown, mysqlConnectionKilled:
			return apperrors.Lost(err)
		default:
			return apperrors.Query(err)
		}
	}

	if errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, mysql.ErrMalformPkt) ||
		errors.Is(err, mysql.ErrPktSync) ||
		errors.Is(err, mysql.ErrPktSyncMul) {
		return apperrors.Lost(err)
	}

	return Classify(err)
}
