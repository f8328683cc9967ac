package http

import (
	"net/netip"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/daBinLaoShi/WebServer/internal/buffer"
	"github.com/daBinLaoShi/WebServer/internal/logging"
)

// writeMoreThreshold keeps the level-triggered write loop going while a
// large body remains, instead of bouncing through the poller per chunk.
const writeMoreThreshold = 10240

// ConnContext is the immutable per-server state shared by all
// connections: the document root, the trigger mode, and the live-user
// counter owned by the reactor.
type ConnContext struct {
	SrcDir    string
	IsET      bool
	UserCount *atomic.Int64
	Verifier  UserVerifier
	Logger    *logging.Logger
}

// Conn drives one client connection: it owns the fd, both buffers, the
// parser, the responder, and the two-entry gather descriptor.
type Conn struct {
	fd        int
	peer      netip.AddrPort
	readBuf   *buffer.Buffer
	writeBuf  *buffer.Buffer
	request   *Request
	response  *Response
	iov       [2][]byte
	iovCnt    int
	closed    bool
	ctx       *ConnContext
	logger    *logging.Logger
}

// NewConn returns an unbound connection slot for the given server
// context.
func NewConn(ctx *ConnContext) *Conn {
	return &Conn{
		fd:       -1,
		closed:   true,
		readBuf:  buffer.New(buffer.DefaultSize),
		writeBuf: buffer.New(buffer.DefaultSize),
		request:  NewRequest(ctx.Verifier, ctx.Logger),
		response: NewResponse(ctx.Logger),
		ctx:      ctx,
		logger:   ctx.Logger,
	}
}

// Init binds the slot to an accepted fd and resets all per-connection
// state.
func (c *Conn) Init(fd int, peer netip.AddrPort) {
	c.ctx.UserCount.Add(1)
	c.fd = fd
	c.peer = peer
	c.request.Init()
	c.readBuf.Reset()
	c.writeBuf.Reset()
	c.iov[0] = nil
	c.iov[1] = nil
	c.iovCnt = 0
	c.closed = false
	c.logger.Infof("Client[%d](%s) in, userCount:%d", fd, peer, c.ctx.UserCount.Load())
}

// Close releases the fd and the file mapping. Calling it twice is a
// no-op.
func (c *Conn) Close() {
	c.response.UnmapFile()
	if c.closed {
		return
	}
	c.closed = true
	count := c.ctx.UserCount.Add(-1)
	unix.Close(c.fd)
	c.logger.Infof("Client[%d](%s) quit, userCount:%d", c.fd, c.peer, count)
}

// Fd returns the connection's descriptor.
func (c *Conn) Fd() int { return c.fd }

// Peer returns the remote address.
func (c *Conn) Peer() netip.AddrPort { return c.peer }

// IsClosed reports whether Close has run.
func (c *Conn) IsClosed() bool { return c.closed }

// Read drains the socket into the read buffer. Edge-triggered mode loops
// until the fd would block; level-triggered mode reads once.
func (c *Conn) Read() (int, error) {
	total := -1
	for {
		n, err := c.readBuf.ReadFd(c.fd)
		if err != nil {
			return total, err
		}
		if n <= 0 {
			return n, nil
		}
		if total < 0 {
			total = n
		} else {
			total += n
		}
		if !c.ctx.IsET {
			return total, nil
		}
	}
}

// ToWriteBytes returns the bytes still pending in the gather descriptor.
func (c *Conn) ToWriteBytes() int {
	return len(c.iov[0]) + len(c.iov[1])
}

// IsKeepAlive reports the parsed request's keep-alive decision.
func (c *Conn) IsKeepAlive() bool {
	return c.request.IsKeepAlive()
}

// ResponseCode returns the status code staged by the last Process.
func (c *Conn) ResponseCode() int {
	return c.response.Code()
}

// Write gathers header bytes and the mapped file into writev calls.
// Bytes are retired from iov[0] (and the write buffer) first, then from
// iov[1]. The loop continues in edge-triggered mode, or while more than
// writeMoreThreshold bytes remain; it ends when everything is sent or
// the fd would block.
func (c *Conn) Write() (int, error) {
	for {
		n, err := unix.Writev(c.fd, c.iov[:c.iovCnt])
		if err != nil {
			return -1, err
		}
		if n <= 0 {
			return n, nil
		}
		c.advance(n)
		if c.ToWriteBytes() == 0 {
			return n, nil
		}
		if !c.ctx.IsET && c.ToWriteBytes() <= writeMoreThreshold {
			return n, nil
		}
	}
}

// advance retires n sent bytes: first from iov[0] and the write buffer,
// then from the mapped region in iov[1].
func (c *Conn) advance(n int) {
	if head := len(c.iov[0]); n >= head {
		n -= head
		if head > 0 {
			c.writeBuf.Consume(head)
			c.iov[0] = nil
		}
		c.iov[1] = c.iov[1][n:]
	} else {
		c.iov[0] = c.iov[0][n:]
		c.writeBuf.Consume(n)
	}
}

// Process parses whatever the read buffer holds and stages the response.
// It returns false when no full request is buffered yet, meaning the
// caller should rearm for readability; a partially parsed request keeps
// its state and the next read continues it.
func (c *Conn) Process() bool {
	if c.request.State() == StateFinish {
		c.request.Init()
	}
	if c.readBuf.ReadableLen() <= 0 {
		return false
	}
	if !c.request.Parse(c.readBuf) {
		c.response.Init(c.ctx.SrcDir, c.request.Path(), false, 400)
	} else if c.request.State() != StateFinish {
		return false
	} else {
		c.logger.Debugf("%s", c.request.Path())
		c.response.Init(c.ctx.SrcDir, c.request.Path(), c.request.IsKeepAlive(), 200)
	}
	c.response.Build(c.writeBuf)
	c.iov[0] = c.writeBuf.Peek()
	c.iovCnt = 1
	c.iov[1] = nil
	if c.response.FileLen() > 0 && c.response.File() != nil {
		c.iov[1] = c.response.File()
		c.iovCnt = 2
	}
	c.logger.Debugf("filesize:%d, %d to %d", c.response.FileLen(), c.iovCnt, c.ToWriteBytes())
	return true
}
