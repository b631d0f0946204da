package psql

import (
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
)

// IsDuplicateErr returns true if the error is a mysql duplicate entry
// error. Useful for callers running custom SQL on a unit's transaction.
// See https://dev.mysql.com/doc/refman/5.6/en/error-messages-server.html#error_er_dup_entry
func IsDuplicateErr(err error) bool {
	return isMySQLErr(err, 1062)
}

func isMySQLErr(err error, nums ...uint16) bool {
	if err == nil {
		return false
	}

	me := new(mysql.MySQLError)
	if !errors.As(err, &me) {
		return false
	}

	for _, num := range nums {
		if me.Number == num {
			return true
		}
	}
	return false
}

func quoted(name string) string {
	return fmt.Sprintf("`%s`", name)
}
