package txerror

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// Classifier maps a raw store error to a Class. Store adapters provide one
// as a fallback hook; Classify is the default used when they do not.
type Classifier func(err error) Class

// MySQL server error numbers the classifier cares about.
const (
	erLockDeadlock    = 1213
	erLockWaitTimeout = 1205
	erDupEntry        = 1062
	erRowIsReferenced = 1451
	erNoReferencedRow = 1452
	erBadNull         = 1048
	erCheckViolated   = 3819
	erConCount        = 1040
	erServerShutdown  = 1053
	erNetReadTimeout  = 1159
	erNetWriteTimeout = 1161
)

// Classify is the default classifier. It understands context errors,
// connection-level failures, gorm's translated errors and MySQL server
// error numbers. Anything it cannot place is Fatal.
func Classify(err error) Class {
	if err == nil {
		return Fatal
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class()
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Fatal
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Connectivity
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Connectivity
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, gorm.ErrForeignKeyViolated) {
		return ConstraintViolation
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return classifyMySQLNumber(mysqlErr.Number)
	}

	return Fatal
}

func classifyMySQLNumber(number uint16) Class {
	switch number {
	case erLockDeadlock, erLockWaitTimeout:
		return Retryable
	case erDupEntry, erRowIsReferenced, erNoReferencedRow, erBadNull, erCheckViolated:
		return ConstraintViolation
	case erConCount, erServerShutdown, erNetReadTimeout, erNetWriteTimeout:
		return Connectivity
	default:
		return Fatal
	}
}

// ConstraintName digs the offending key or constraint name out of a MySQL
// constraint error message. Returns "" when the message carries none.
func ConstraintName(err error) string {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return ""
	}
	switch mysqlErr.Number {
	case erDupEntry:
		// "Duplicate entry 'x' for key 'users.uk_email'"
		return lastQuoted(mysqlErr.Message, "'")
	case erRowIsReferenced, erNoReferencedRow, erCheckViolated:
		// "... CONSTRAINT `fk_orders_user` FOREIGN KEY ..."
		return firstQuotedAfter(mysqlErr.Message, "CONSTRAINT ", "`")
	default:
		return ""
	}
}

func lastQuoted(msg, quote string) string {
	end := strings.LastIndex(msg, quote)
	if end <= 0 {
		return ""
	}
	start := strings.LastIndex(msg[:end], quote)
	if start < 0 {
		return ""
	}
	return msg[start+1 : end]
}

func firstQuotedAfter(msg, marker, quote string) string {
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return ""
	}
	rest := msg[idx+len(marker):]
	start := strings.Index(rest, quote)
	if start < 0 {
		return ""
	}
	end := strings.Index(rest[start+1:], quote)
	if end < 0 {
		return ""
	}
	return rest[start+1 : start+1+end]
}
