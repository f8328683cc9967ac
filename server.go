// Package webserver implements an event-driven HTTP/1.1 server for static
// files and a small form-backed registration/login flow. One reactor
// goroutine multiplexes every connection over epoll; parse/respond work
// runs on a fixed worker pool, idle connections are evicted by a min-heap
// timer, and SQL access goes through a semaphore-guarded connection pool.
package webserver

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/daBinLaoShi/WebServer/internal/epoll"
	"github.com/daBinLaoShi/WebServer/internal/http"
	"github.com/daBinLaoShi/WebServer/internal/logging"
	"github.com/daBinLaoShi/WebServer/internal/pool"
	"github.com/daBinLaoShi/WebServer/internal/timer"
)

// Params contains server configuration.
type Params struct {
	// Listen port, 1024-65535.
	Port int
	// TrigMode selects the listen/connection trigger pairing.
	TrigMode int
	// Timeout is the per-connection idle timeout; zero disables eviction.
	Timeout time.Duration
	// EnableLinger turns on SO_LINGER with a one second drain window.
	EnableLinger bool

	// MySQL endpoint for the user table.
	SqlHost     string
	SqlPort     int
	SqlUser     string
	SqlPassword string
	SqlDBName   string
	ConnPoolNum int

	WorkerNum  int
	MaxClients int

	OpenLog      bool
	LogLevel     logging.LogLevel
	LogQueueSize int

	// SrcDir is the document root; empty means <cwd>/resources.
	SrcDir string
}

// DefaultParams returns the stock configuration.
func DefaultParams() Params {
	return Params{
		Port:         DefaultPort,
		TrigMode:     DefaultTrigMode,
		Timeout:      DefaultTimeout,
		EnableLinger: false,
		SqlHost:      "localhost",
		SqlPort:      3306,
		SqlUser:      "root",
		SqlPassword:  "root",
		SqlDBName:    "webserver",
		ConnPoolNum:  DefaultConnPoolNum,
		WorkerNum:    DefaultWorkerNum,
		MaxClients:   DefaultMaxClients,
		OpenLog:      true,
		LogLevel:     logging.LevelInfo,
		LogQueueSize: DefaultLogQueue,
	}
}

// Options carries injected collaborators; nil fields get defaults.
type Options struct {
	// Logger overrides the logger built from Params' log settings.
	Logger *logging.Logger
	// Verifier overrides the SQL-backed user verifier. When set, no
	// database pool is opened.
	Verifier http.UserVerifier
	// Observer receives metric events; defaults to the built-in Metrics.
	Observer Observer
}

type cmdKind int

const (
	cmdRearmRead cmdKind = iota
	cmdRearmWrite
	cmdClose
)

// command is a worker's result posted back to the reactor. gen guards
// against a recycled fd picking up a stale command.
type command struct {
	kind cmdKind
	fd   int
	gen  uint64
}

// client is the reactor-side connection slot.
type client struct {
	conn *http.Conn
	gen  uint64
}

// Server is the reactor. All fields past construction are owned by the
// reactor goroutine except the command channel, the worker pool, and the
// atomics.
type Server struct {
	params   Params
	srcDir   string
	listenFd int

	listenEvents uint32
	connEvents   uint32

	isClose   atomic.Bool
	userCount atomic.Int64
	genSeq    uint64

	poller  *epoll.Poller
	heap    *timer.Heap
	workers *pool.WorkerPool
	sqlPool *pool.SqlPool
	users   map[int]*client
	connCtx *http.ConnContext
	cmds    chan command

	logger   *logging.Logger
	observer Observer
	metrics  *Metrics
	done     chan struct{}
}

// New validates params, opens the listen socket, the poller, the pools,
// and the log. The reactor does not run until Start.
func New(params Params, options *Options) (*Server, error) {
	if options == nil {
		options = &Options{}
	}
	if params.Port < 1024 || params.Port > 65535 {
		return nil, NewError("INIT", ErrCodeConfig, fmt.Sprintf("port %d out of range", params.Port))
	}
	if params.MaxClients <= 0 {
		params.MaxClients = DefaultMaxClients
	}

	logger := options.Logger
	if logger == nil {
		cfg := logging.DefaultConfig()
		cfg.Level = params.LogLevel
		cfg.QueueSize = params.LogQueueSize
		if !params.OpenLog {
			cfg.Level = logging.LevelOff
			cfg.QueueSize = 0
		}
		logger = logging.NewLogger(cfg)
	}

	srcDir := params.SrcDir
	if srcDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, WrapError("INIT", err)
		}
		srcDir = filepath.Join(cwd, SrcDirName)
	}

	s := &Server{
		params:  params,
		srcDir:  srcDir,
		users:   make(map[int]*client),
		cmds:    make(chan command, params.MaxClients+DefaultWorkerNum),
		logger:  logger,
		metrics: NewMetrics(),
		done:    make(chan struct{}),
	}
	if options.Observer != nil {
		s.observer = options.Observer
	} else {
		s.observer = NewMetricsObserver(s.metrics)
	}
	s.initEventMode(params.TrigMode)

	verifier := options.Verifier
	if verifier == nil {
		sqlPool, err := pool.NewSqlPool(pool.SqlConfig{
			Host:     params.SqlHost,
			Port:     params.SqlPort,
			User:     params.SqlUser,
			Password: params.SqlPassword,
			DBName:   params.SqlDBName,
			Size:     params.ConnPoolNum,
		}, logger)
		if err != nil {
			return nil, WrapError("INIT", err)
		}
		s.sqlPool = sqlPool
		verifier = http.NewSqlVerifier(sqlPool, logger)
	}
	s.connCtx = &http.ConnContext{
		SrcDir:    s.srcDir,
		IsET:      s.connEvents&epoll.EventEdge != 0,
		UserCount: &s.userCount,
		Verifier:  verifier,
		Logger:    logger,
	}

	poller, err := epoll.New()
	if err != nil {
		s.closePools()
		return nil, WrapError("INIT", err)
	}
	s.poller = poller
	s.heap = timer.NewHeap()
	s.workers = pool.NewWorkerPool(params.WorkerNum, logger)

	if err := s.initSocket(); err != nil {
		s.workers.Close()
		s.poller.Close()
		s.closePools()
		return nil, err
	}

	s.logger.Info("========== Server init ==========")
	s.logger.Infof("Port:%d, OpenLinger: %v", params.Port, params.EnableLinger)
	s.logger.Infof("Listen Mode: %s, OpenConn Mode: %s",
		triggerName(s.listenEvents), triggerName(s.connEvents))
	s.logger.Infof("LogSys level: %d", params.LogLevel)
	s.logger.Infof("srcDir: %s", s.srcDir)
	s.logger.Infof("SqlConnPool num: %d, WorkerPool num: %d", params.ConnPoolNum, params.WorkerNum)
	return s, nil
}

func triggerName(events uint32) string {
	if events&epoll.EventEdge != 0 {
		return "ET"
	}
	return "LT"
}

// initEventMode builds the listen and connection interest masks. The
// connection mask always carries one-shot and peer-hangup; the listen
// mask carries peer-hangup.
func (s *Server) initEventMode(trigMode int) {
	s.listenEvents = epoll.EventRdHup
	s.connEvents = epoll.EventOneShot | epoll.EventRdHup
	switch trigMode {
	case TrigModeLTLT:
	case TrigModeLTET:
		s.connEvents |= epoll.EventEdge
	case TrigModeETLT:
		s.listenEvents |= epoll.EventEdge
	case TrigModeETET:
		s.listenEvents |= epoll.EventEdge
		s.connEvents |= epoll.EventEdge
	default:
		s.listenEvents |= epoll.EventEdge
		s.connEvents |= epoll.EventEdge
	}
}

// initSocket opens, binds, and registers the listen socket.
func (s *Server) initSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return WrapError("SOCKET", err)
	}
	linger := unix.Linger{}
	if s.params.EnableLinger {
		linger.Onoff = 1
		linger.Linger = 1
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &linger); err != nil {
		unix.Close(fd)
		return WrapError("SETSOCKOPT", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return WrapError("SETSOCKOPT", err)
	}
	addr := unix.SockaddrInet4{Port: s.params.Port}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return WrapError("BIND", WrapError(fmt.Sprintf("port %d", s.params.Port), err))
	}
	if err := unix.Listen(fd, ListenBacklog); err != nil {
		unix.Close(fd)
		return WrapError("LISTEN", err)
	}
	if err := s.poller.Add(fd, s.listenEvents|epoll.EventIn); err != nil {
		unix.Close(fd)
		return WrapError("EPOLL_ADD", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return WrapError("NONBLOCK", err)
	}
	s.listenFd = fd
	s.logger.Infof("Server port:%d", s.params.Port)
	return nil
}

// Start runs the reactor loop until Shutdown. It blocks.
func (s *Server) Start() {
	if !s.isClose.Load() {
		s.logger.Info("========== Server start ==========")
	}
	defer close(s.done)
	for !s.isClose.Load() {
		s.drainCommands()
		timeoutMS := -1
		if s.params.Timeout > 0 {
			timeoutMS = s.heap.NextTick()
		}
		n, err := s.poller.Wait(timeoutMS)
		if err != nil {
			s.logger.Errorf("epoll wait: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			fd := s.poller.EventFd(i)
			events := s.poller.EventMask(i)
			switch {
			case fd == s.listenFd:
				s.dealListen()
			case fd == s.poller.WakeFd():
				s.poller.DrainWake()
			case events&(epoll.EventRdHup|epoll.EventHup|epoll.EventErr) != 0:
				if c, ok := s.users[fd]; ok {
					s.closeConn(c, false)
				}
			case events&epoll.EventIn != 0:
				if c, ok := s.users[fd]; ok {
					s.dealRead(c)
				}
			case events&epoll.EventOut != 0:
				if c, ok := s.users[fd]; ok {
					s.dealWrite(c)
				}
			default:
				s.logger.Error("unexpected event")
			}
		}
	}
	s.cleanup()
}

// Shutdown stops the reactor and waits for it to finish cleanup.
func (s *Server) Shutdown() {
	if s.isClose.Swap(true) {
		return
	}
	s.poller.Wake()
	<-s.done
}

// Metrics returns the server's metrics instance.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// UserCount returns the number of live connections.
func (s *Server) UserCount() int64 {
	return s.userCount.Load()
}

// postCmd hands a worker result to the reactor and wakes it.
func (s *Server) postCmd(kind cmdKind, fd int, gen uint64) {
	s.cmds <- command{kind: kind, fd: fd, gen: gen}
	s.poller.Wake()
}

// drainCommands applies queued worker results. Stale generations are
// dropped: the fd was closed and possibly reused since the command was
// posted.
func (s *Server) drainCommands() {
	for {
		select {
		case cmd := <-s.cmds:
			c, ok := s.users[cmd.fd]
			if !ok || c.gen != cmd.gen || c.conn.IsClosed() {
				continue
			}
			switch cmd.kind {
			case cmdRearmRead:
				s.poller.Modify(cmd.fd, s.connEvents|epoll.EventIn)
			case cmdRearmWrite:
				s.poller.Modify(cmd.fd, s.connEvents|epoll.EventOut)
			case cmdClose:
				s.closeConn(c, false)
			}
		default:
			return
		}
	}
}

// sendError writes a short refusal and closes the raw fd.
func (s *Server) sendError(fd int, info string) {
	if _, err := unix.Write(fd, []byte(info)); err != nil {
		s.logger.Warnf("send error to client[%d] error!", fd)
	}
	unix.Close(fd)
}

// dealListen accepts until the backlog drains (edge-triggered listen) or
// once (level-triggered).
func (s *Server) dealListen() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				s.logger.Errorf("accept: %v", err)
			}
			return
		}
		if s.userCount.Load() >= int64(s.params.MaxClients) {
			s.sendError(fd, "Server busy!")
			s.observer.ObserveBusy()
			s.logger.Warn("Clients is full!")
		} else {
			s.addClient(fd, sa)
		}
		if s.listenEvents&epoll.EventEdge == 0 {
			return
		}
	}
}

// addClient binds the fd to a connection slot, arms its idle timer, and
// registers read interest.
func (s *Server) addClient(fd int, sa unix.Sockaddr) {
	c, ok := s.users[fd]
	if !ok {
		c = &client{conn: http.NewConn(s.connCtx)}
		s.users[fd] = c
	}
	s.genSeq++
	c.gen = s.genSeq
	c.conn.Init(fd, peerAddr(sa))
	if err := s.poller.Add(fd, s.connEvents|epoll.EventIn); err != nil {
		s.logger.Errorf("epoll add client[%d]: %v", fd, err)
		c.conn.Close()
		return
	}
	if s.params.Timeout > 0 {
		s.heap.Add(fd, s.params.Timeout, func() {
			s.closeConn(c, true)
		})
	}
	unix.SetNonblock(fd, true)
	s.observer.ObserveAccept()
}

func peerAddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}
	return netip.AddrPort{}
}

// closeConn deregisters, closes, and cancels the timer. Reactor-only.
func (s *Server) closeConn(c *client, timedOut bool) {
	if c.conn.IsClosed() {
		return
	}
	fd := c.conn.Fd()
	s.logger.Infof("Client[%d] quit!", fd)
	s.poller.Remove(fd)
	c.conn.Close()
	s.heap.Cancel(fd)
	s.observer.ObserveClose(timedOut)
}

// extendTime pushes the connection's eviction deadline out to a full
// timeout again.
func (s *Server) extendTime(c *client) {
	if s.params.Timeout > 0 {
		s.heap.Adjust(c.conn.Fd(), s.params.Timeout)
	}
}

// dealRead extends the timer and hands the read job to a worker.
func (s *Server) dealRead(c *client) {
	s.extendTime(c)
	conn, gen := c.conn, c.gen
	s.workers.Submit(func() { s.onRead(conn, gen) })
}

// dealWrite extends the timer and hands the write job to a worker.
func (s *Server) dealWrite(c *client) {
	s.extendTime(c)
	conn, gen := c.conn, c.gen
	s.workers.Submit(func() { s.onWrite(conn, gen) })
}

// onRead runs on a worker: drain the socket, then parse and stage a
// response. Peer close and fatal errors surface as a close command.
func (s *Server) onRead(conn *http.Conn, gen uint64) {
	n, err := conn.Read()
	if err != nil && !IsWouldBlock(err) {
		s.postCmd(cmdClose, conn.Fd(), gen)
		return
	}
	if err == nil && n <= 0 {
		s.postCmd(cmdClose, conn.Fd(), gen)
		return
	}
	if n > 0 {
		s.observer.ObserveRead(uint64(n))
	}
	s.onProcess(conn, gen)
}

// onProcess stages a response when a full request is buffered, otherwise
// rearms for readability.
func (s *Server) onProcess(conn *http.Conn, gen uint64) {
	if conn.Process() {
		s.observer.ObserveResponse(conn.ResponseCode())
		s.postCmd(cmdRearmWrite, conn.Fd(), gen)
	} else {
		s.postCmd(cmdRearmRead, conn.Fd(), gen)
	}
}

// onWrite runs on a worker: push the staged bytes. A drained keep-alive
// connection goes straight back to processing; a drained one-shot
// connection closes once the response is out.
func (s *Server) onWrite(conn *http.Conn, gen uint64) {
	n, err := conn.Write()
	if n > 0 {
		s.observer.ObserveWrite(uint64(n))
	}
	if conn.ToWriteBytes() == 0 {
		if conn.IsKeepAlive() {
			s.onProcess(conn, gen)
			return
		}
		s.postCmd(cmdClose, conn.Fd(), gen)
		return
	}
	if err == nil || IsWouldBlock(err) {
		s.postCmd(cmdRearmWrite, conn.Fd(), gen)
		return
	}
	s.postCmd(cmdClose, conn.Fd(), gen)
}

func (s *Server) closePools() {
	if s.sqlPool != nil {
		s.sqlPool.Close()
	}
}

// cleanup tears the server down after the loop exits: listener first,
// then every live connection, the pools, and the log.
func (s *Server) cleanup() {
	unix.Close(s.listenFd)
	for _, c := range s.users {
		if !c.conn.IsClosed() {
			s.closeConn(c, false)
		}
	}
	s.heap.Clear()
	s.workers.Close()
	s.drainCommands()
	s.closePools()
	s.poller.Close()
	s.metrics.Stop()
	s.logger.Info("========== Server stop ==========")
	s.logger.Flush()
}
