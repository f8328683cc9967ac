package http

import (
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/daBinLaoShi/WebServer/internal/buffer"
	"github.com/daBinLaoShi/WebServer/internal/logging"
)

// suffixType maps a file extension to its Content-type value.
var suffixType = map[string]string{
	".html":  "text/html",
	".xml":   "text/xml",
	".xhtml": "application/xhtml+xml",
	".txt":   "text/plain",
	".rtf":   "application/rtf",
	".pdf":   "application/pdf",
	".word":  "application/nsword",
	".png":   "image/png",
	".gif":   "image/gif",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".au":    "audio/basic",
	".mpeg":  "video/mpeg",
	".mpg":   "video/mpeg",
	".avi":   "video/x-msvideo",
	".gz":    "application/x-gzip",
	".tar":   "application/x-tar",
	".css":   "text/css ",
	".js":    "text/javascript ",
}

// codeStatus maps the emitted status codes to reason phrases.
var codeStatus = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
}

// codePath maps an error status to the page served for it.
var codePath = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// codeUnset is the sentinel meaning the handler has not forced a status.
const codeUnset = -1

// Response resolves a request path under the document root and emits the
// status line, headers, and a memory-mapped file body.
type Response struct {
	code        int
	isKeepAlive bool
	path        string
	srcDir      string
	mmFile      []byte // mmap'd body, nil when none
	fileSize    int64
	isDir       bool
	statErr     error
	mode        os.FileMode
	logger      *logging.Logger
}

// NewResponse returns an empty response holder.
func NewResponse(logger *logging.Logger) *Response {
	if logger == nil {
		logger = logging.Default()
	}
	return &Response{code: codeUnset, logger: logger}
}

// Init prepares the response for one exchange. Any mapping held from the
// previous exchange is released first.
func (resp *Response) Init(srcDir, reqPath string, isKeepAlive bool, code int) {
	if resp.mmFile != nil {
		resp.UnmapFile()
	}
	resp.code = code
	resp.isKeepAlive = isKeepAlive
	resp.path = reqPath
	resp.srcDir = srcDir
	resp.fileSize = 0
	resp.isDir = false
	resp.statErr = nil
	resp.mode = 0
}

// Code returns the resolved status code.
func (resp *Response) Code() int { return resp.code }

// Path returns the resolved resource path (after error-page redirects).
func (resp *Response) Path() string { return resp.path }

// File returns the mapped body, nil when the response has an inline body.
func (resp *Response) File() []byte { return resp.mmFile }

// FileLen returns the size of the mapped body.
func (resp *Response) FileLen() int64 {
	if resp.mmFile == nil {
		return 0
	}
	return resp.fileSize
}

func (resp *Response) stat() {
	info, err := os.Stat(path.Join(resp.srcDir, resp.path))
	if err != nil {
		resp.statErr = err
		resp.fileSize = 0
		resp.isDir = false
		resp.mode = 0
		return
	}
	resp.statErr = nil
	resp.fileSize = info.Size()
	resp.isDir = info.IsDir()
	resp.mode = info.Mode()
}

// Build resolves the file, writes the response head into buf, and maps
// the body for the connection's gather write.
func (resp *Response) Build(buf *buffer.Buffer) {
	resp.stat()
	// A code forced by the caller (e.g. 400 for a parse failure) is not
	// demoted by file resolution.
	if resp.code == codeUnset || resp.code == 200 {
		if resp.statErr != nil || resp.isDir {
			resp.code = 404
		} else if resp.mode.Perm()&0o004 == 0 {
			resp.code = 403
		} else if resp.code == codeUnset {
			resp.code = 200
		}
	}
	resp.errorHTML()
	resp.addStateLine(buf)
	resp.addHeader(buf)
	resp.addContent(buf)
}

// errorHTML redirects error codes to their page and re-stats.
func (resp *Response) errorHTML() {
	if p, ok := codePath[resp.code]; ok {
		resp.path = p
		resp.stat()
	}
}

func (resp *Response) addStateLine(buf *buffer.Buffer) {
	status, ok := codeStatus[resp.code]
	if !ok {
		resp.code = 400
		status = codeStatus[400]
	}
	buf.AppendString(fmt.Sprintf("HTTP/1.1 %d %s\r\n", resp.code, status))
}

func (resp *Response) addHeader(buf *buffer.Buffer) {
	buf.AppendString("Connection: ")
	if resp.isKeepAlive {
		buf.AppendString("keep-alive\r\n")
		buf.AppendString("keep-alive: max=6, timeout=120\r\n")
	} else {
		buf.AppendString("close\r\n")
	}
	buf.AppendString("Content-type: " + resp.fileType() + "\r\n")
}

// addContent opens and maps the resolved file. A file that fails to open
// or map degrades to an inline HTML error body.
func (resp *Response) addContent(buf *buffer.Buffer) {
	full := path.Join(resp.srcDir, resp.path)
	fd, err := unix.Open(full, unix.O_RDONLY, 0)
	if err != nil {
		resp.ErrorContent(buf, "File NotFound!")
		return
	}
	defer unix.Close(fd)
	resp.logger.Debugf("file path %s", full)
	if resp.fileSize <= 0 {
		resp.ErrorContent(buf, "File NotFound!")
		return
	}
	data, err := unix.Mmap(fd, 0, int(resp.fileSize), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		resp.ErrorContent(buf, "File NotFound!")
		return
	}
	resp.mmFile = data
	buf.AppendString(fmt.Sprintf("Content-length: %d\r\n\r\n", resp.fileSize))
}

// UnmapFile releases the mapped body. Safe to call repeatedly.
func (resp *Response) UnmapFile() {
	if resp.mmFile != nil {
		unix.Munmap(resp.mmFile)
		resp.mmFile = nil
	}
}

// fileType resolves the Content-type from the path suffix.
func (resp *Response) fileType() string {
	idx := strings.LastIndexByte(resp.path, '.')
	if idx < 0 {
		return "text/plain"
	}
	if t, ok := suffixType[resp.path[idx:]]; ok {
		return t
	}
	return "text/plain"
}

// ErrorContent writes an inline HTML error body with its Content-length
// header.
func (resp *Response) ErrorContent(buf *buffer.Buffer, message string) {
	status, ok := codeStatus[resp.code]
	if !ok {
		status = "Bad Request"
	}
	var body strings.Builder
	body.WriteString("<html><title>Error</title>")
	body.WriteString("<body bgcolor=\"ffffff\">")
	body.WriteString(fmt.Sprintf("%d : %s\n", resp.code, status))
	body.WriteString("<p>" + message + "</p>")
	body.WriteString("<hr><em>TinyWebServer</em></body></html>")
	buf.AppendString(fmt.Sprintf("Content-length: %d\r\n\r\n", body.Len()))
	buf.AppendString(body.String())
}
