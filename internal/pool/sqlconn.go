package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/semaphore"

	"github.com/daBinLaoShi/WebServer/internal/logging"
)

// SqlConfig describes the MySQL endpoint and pool size.
type SqlConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	Size     int
	// DriverName defaults to "mysql"; tests substitute a fake driver.
	DriverName string
}

// SqlPool holds a fixed set of pre-opened connections to the user
// database. Leases are guarded by a counting semaphore so at most Size
// handles are out at once; a fast-path check returns nil immediately when
// the queue is empty rather than blocking.
type SqlPool struct {
	mu     sync.Mutex
	conns  []*sql.Conn
	sem    *semaphore.Weighted
	db     *sql.DB
	size   int
	logger *logging.Logger
}

// NewSqlPool opens the database and pre-opens cfg.Size dedicated
// connections. Every handle that fails to open is an init error: the
// pool's capacity invariant assumes all Size handles exist.
func NewSqlPool(cfg SqlConfig, logger *logging.Logger) (*SqlPool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("sql pool: size must be positive, got %d", cfg.Size)
	}
	if logger == nil {
		logger = logging.Default()
	}
	driver := cfg.DriverName
	if driver == "" {
		driver = "mysql"
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql pool: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.Size)
	db.SetMaxIdleConns(cfg.Size)

	p := &SqlPool{
		sem:    semaphore.NewWeighted(int64(cfg.Size)),
		db:     db,
		size:   cfg.Size,
		logger: logger,
	}
	for i := 0; i < cfg.Size; i++ {
		conn, err := db.Conn(context.Background())
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("sql pool: pre-open conn %d: %w", i, err)
		}
		p.conns = append(p.conns, conn)
	}
	return p, nil
}

// Acquire leases a connection. It returns nil without blocking when the
// queue is empty at the fast-path check; otherwise it waits on the
// semaphore and pops the head.
func (p *SqlPool) Acquire(ctx context.Context) *sql.Conn {
	p.mu.Lock()
	empty := len(p.conns) == 0
	p.mu.Unlock()
	if empty {
		p.logger.Warn("sql pool busy")
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		// Raced with Close draining the queue.
		p.sem.Release(1)
		return nil
	}
	conn := p.conns[0]
	p.conns = p.conns[1:]
	return conn
}

// Release returns a leased connection to the pool.
func (p *SqlPool) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	p.sem.Release(1)
}

// Free reports how many handles are currently available.
func (p *SqlPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Size returns the pool capacity.
func (p *SqlPool) Size() int {
	return p.size
}

// Close closes all pooled handles and the underlying database.
func (p *SqlPool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	if p.db != nil {
		p.db.Close()
	}
}
