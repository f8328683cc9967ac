// Package http implements the server's HTTP/1.1 subset: an incremental
// request parser, a response builder with memory-mapped file bodies, and
// the per-connection driver tying them to a socket.
package http

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/daBinLaoShi/WebServer/internal/buffer"
	"github.com/daBinLaoShi/WebServer/internal/logging"
)

// ParseState tracks the parser position across partial reads.
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeaders
	StateBody
	StateFinish
)

// defaultHTML are the short paths that gain a ".html" suffix.
var defaultHTML = map[string]bool{
	"/index":    true,
	"/register": true,
	"/login":    true,
	"/welcome":  true,
	"/video":    true,
	"/picture":  true,
}

// defaultHTMLTag maps form targets to their verification mode.
var defaultHTMLTag = map[string]int{
	"/register.html": 0,
	"/login.html":    1,
}

// UserVerifier is the collaborator consulted for the registration and
// login form targets.
type UserVerifier interface {
	// Verify checks name/password. isLogin selects login (row must exist
	// and passwords match) versus registration (row must not exist; the
	// user is then inserted).
	Verify(name, password string, isLogin bool) bool
}

// Request is an incremental HTTP/1.1 request parser. One Request is owned
// by one connection and reset for every request on it.
type Request struct {
	method  string
	path    string
	version string
	body    string
	state   ParseState
	header  map[string]string
	post    map[string]string

	verifier UserVerifier
	logger   *logging.Logger
}

// NewRequest returns a parser wired to the given verifier. A nil verifier
// makes every form verification fail.
func NewRequest(verifier UserVerifier, logger *logging.Logger) *Request {
	if logger == nil {
		logger = logging.Default()
	}
	r := &Request{verifier: verifier, logger: logger}
	r.Init()
	return r
}

// Init resets the parser to a fresh state.
func (r *Request) Init() {
	r.method = ""
	r.path = ""
	r.version = ""
	r.body = ""
	r.state = StateRequestLine
	r.header = make(map[string]string)
	r.post = make(map[string]string)
}

func (r *Request) Method() string    { return r.method }
func (r *Request) Path() string      { return r.path }
func (r *Request) Version() string   { return r.version }
func (r *Request) Body() string      { return r.body }
func (r *Request) State() ParseState { return r.state }

// SetPath overrides the resolved path; the response builder follows it.
func (r *Request) SetPath(path string) { r.path = path }

// Header returns the value recorded for name; lookup is case-sensitive.
func (r *Request) Header(name string) string {
	return r.header[name]
}

// GetPost returns the decoded form value for key.
func (r *Request) GetPost(key string) string {
	return r.post[key]
}

// IsKeepAlive reports whether the connection survives this exchange.
func (r *Request) IsKeepAlive() bool {
	return r.header["Connection"] == "keep-alive" && r.version == "1.1"
}

var crlf = []byte("\r\n")

// Parse consumes CRLF-delimited lines from buf and advances the state
// machine. It returns false on a malformed request line; partial input
// leaves the state unchanged for the next read to continue.
func (r *Request) Parse(buf *buffer.Buffer) bool {
	if buf.ReadableLen() <= 0 {
		return false
	}
	for buf.ReadableLen() > 0 && r.state != StateFinish {
		readable := buf.Peek()
		lineEnd := bytes.Index(readable, crlf)
		if lineEnd < 0 {
			if r.state != StateBody {
				// Incomplete line; the next read continues here.
				break
			}
			if r.contentLength() > len(readable) {
				break
			}
			r.parseBody(string(readable))
			buf.Consume(len(readable))
			break
		}
		line := string(readable[:lineEnd])
		switch r.state {
		case StateRequestLine:
			if !r.parseRequestLine(line) {
				return false
			}
			r.parsePath()
		case StateHeaders:
			r.parseHeader(line)
			if buf.ReadableLen() <= 2 {
				r.state = StateFinish
			}
		case StateBody:
			r.parseBody(line)
		}
		buf.ConsumeUntil(lineEnd + 2)
	}
	r.logger.Debugf("request [%s] [%s] [%s]", r.method, r.path, r.version)
	return true
}

// contentLength returns the declared body length, zero when absent or
// unparseable.
func (r *Request) contentLength() int {
	v := r.header["Content-Length"]
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseRequestLine matches "METHOD SP target SP HTTP/version".
func (r *Request) parseRequestLine(line string) bool {
	method, rest, ok := strings.Cut(line, " ")
	if !ok || method == "" || strings.ContainsRune(method, ' ') {
		r.logger.Error("request line error")
		return false
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || target == "" || strings.ContainsRune(proto, ' ') {
		r.logger.Error("request line error")
		return false
	}
	version, found := strings.CutPrefix(proto, "HTTP/")
	if !found || version == "" {
		r.logger.Error("request line error")
		return false
	}
	r.method = method
	r.path = target
	r.version = version
	r.state = StateHeaders
	return true
}

// parsePath normalizes the request target: root resolves to the index
// page and the known short names gain a .html suffix.
func (r *Request) parsePath() {
	if r.path == "/" {
		r.path = "/index.html"
	} else if defaultHTML[r.path] {
		r.path += ".html"
	}
}

// parseHeader records one "Name: value" line; a line without a colon is
// the blank separator and moves the parser to the body.
func (r *Request) parseHeader(line string) {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		r.state = StateBody
		return
	}
	r.header[name] = strings.TrimPrefix(value, " ")
}

// parseBody stores the body and runs form handling for POSTs.
func (r *Request) parseBody(line string) {
	r.body = line
	r.parsePost()
	r.state = StateFinish
	r.logger.Debugf("body:%s, len:%d", line, len(line))
}

// parsePost decodes urlencoded form bodies and, for the register/login
// targets, consults the verifier and redirects to the outcome page.
func (r *Request) parsePost() {
	if r.method != "POST" || r.header["Content-Type"] != "application/x-www-form-urlencoded" {
		return
	}
	r.post = parseURLEncoded(r.body)
	tag, ok := defaultHTMLTag[r.path]
	if !ok {
		return
	}
	r.logger.Debugf("form tag:%d", tag)
	isLogin := tag == 1
	verified := r.verifier != nil &&
		r.verifier.Verify(r.post["username"], r.post["password"], isLogin)
	if verified {
		r.path = "/welcome.html"
	} else {
		r.path = "/error.html"
	}
}

func convHex(ch byte) int {
	switch {
	case ch >= 'A' && ch <= 'F':
		return int(ch-'A') + 10
	case ch >= 'a' && ch <= 'f':
		return int(ch-'a') + 10
	case ch >= '0' && ch <= '9':
		return int(ch - '0')
	}
	return 0
}

// parseURLEncoded decodes k=v pairs separated by '&', with '+' for space
// and %HH byte escapes.
func parseURLEncoded(body string) map[string]string {
	post := make(map[string]string)
	if len(body) == 0 {
		return post
	}
	var key []byte
	cur := make([]byte, 0, len(body))
	flushPair := func() {
		if len(key) > 0 || len(cur) > 0 {
			post[string(key)] = string(cur)
		}
		key = nil
		cur = cur[len(cur):]
	}
	for i := 0; i < len(body); i++ {
		switch ch := body[i]; ch {
		case '=':
			key = cur
			cur = cur[len(cur):]
		case '+':
			cur = append(cur, ' ')
		case '%':
			if i+2 < len(body) {
				cur = append(cur, byte(convHex(body[i+1])*16+convHex(body[i+2])))
				i += 2
			}
		case '&':
			flushPair()
		default:
			cur = append(cur, ch)
		}
	}
	flushPair()
	return post
}
