package http

import (
	"context"
	"database/sql"

	"github.com/daBinLaoShi/WebServer/internal/logging"
	"github.com/daBinLaoShi/WebServer/internal/pool"
)

// SqlVerifier checks credentials against the user table through the
// connection pool. Queries are parameterized; user input never reaches
// the SQL text.
type SqlVerifier struct {
	pool   *pool.SqlPool
	logger *logging.Logger
}

// NewSqlVerifier wires a verifier to the pool.
func NewSqlVerifier(p *pool.SqlPool, logger *logging.Logger) *SqlVerifier {
	if logger == nil {
		logger = logging.Default()
	}
	return &SqlVerifier{pool: p, logger: logger}
}

// Verify implements UserVerifier. Login succeeds iff the row exists and
// the passwords match; registration succeeds iff no row exists, and then
// inserts the user. The leased handle is returned on every path.
func (v *SqlVerifier) Verify(name, password string, isLogin bool) bool {
	if name == "" || password == "" {
		return false
	}
	v.logger.Infof("verify name:%s", name)
	ctx := context.Background()
	conn := v.pool.Acquire(ctx)
	if conn == nil {
		return false
	}
	defer v.pool.Release(conn)

	row := conn.QueryRowContext(ctx,
		"SELECT username, password FROM user WHERE username = ? LIMIT 1", name)
	var dbUser, dbPwd string
	err := row.Scan(&dbUser, &dbPwd)
	switch {
	case err == sql.ErrNoRows:
		if isLogin {
			v.logger.Debug("user not found")
			return false
		}
		_, err = conn.ExecContext(ctx,
			"INSERT INTO user(username, password) VALUES(?, ?)", name, password)
		if err != nil {
			v.logger.Debugf("insert error: %v", err)
			return false
		}
		v.logger.Debug("register ok")
		return true
	case err != nil:
		v.logger.Errorf("user query error: %v", err)
		return false
	}
	if !isLogin {
		v.logger.Debug("user used")
		return false
	}
	if dbPwd != password {
		v.logger.Debug("pwd error")
		return false
	}
	return true
}
