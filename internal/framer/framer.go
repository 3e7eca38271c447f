// Package framer performs a single GET / HTTP/1.1 exchange over an
// established connection and measures its round-trip time.
//
// Only Content-Length delimited and close-delimited bodies are understood.
// Chunked transfer coding, TLS and pipelining are out of scope. On a
// keep-alive connection a response without a usable Content-Length fails
// with ErrUnframedBody unless the peer also sent Connection: close.
package framer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

const (
	DefaultMaxResponseBytes = 4 << 20
	readChunk               = 4096
)

var (
	ErrResponseTooLarge  = errors.New("framer: response exceeds buffer limit")
	ErrIncompleteHeaders = errors.New("framer: connection closed before end of headers")
	ErrMalformedResponse = errors.New("framer: malformed status line")
	ErrShortBody         = errors.New("framer: body shorter than Content-Length")
	ErrUnframedBody      = errors.New("framer: keep-alive response without Content-Length")
)

var headerTerminator = []byte("\r\n\r\n")

// Exchange describes one completed request/response.
type Exchange struct {
	Latency     time.Duration
	StatusCode  int
	HeaderBytes int
	BodyBytes   int
	// Reusable reports whether the connection is positioned at the start of
	// the next response and may carry another request.
	Reusable bool
}

// LatencyMs is the latency in fractional milliseconds at microsecond
// resolution.
func (e Exchange) LatencyMs() float64 {
	return float64(e.Latency.Microseconds()) / 1000.0
}

type Framer struct {
	Host      string
	KeepAlive bool
	// MaxResponseBytes bounds headers plus body. Zero means DefaultMaxResponseBytes.
	MaxResponseBytes int
	// ReadTimeout bounds the whole exchange. Zero means no deadline.
	ReadTimeout time.Duration

	request []byte
}

func New(host string, keepAlive bool) *Framer {
	f := &Framer{Host: host, KeepAlive: keepAlive, MaxResponseBytes: DefaultMaxResponseBytes}
	f.request = BuildRequest(host, keepAlive)
	return f
}

// BuildRequest renders the fixed request issued against a target.
func BuildRequest(host string, keepAlive bool) []byte {
	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}
	return []byte("GET / HTTP/1.1\r\nHost: " + host + "\r\nConnection: " + conn + "\r\n\r\n")
}

func (f *Framer) maxBytes() int {
	if f.MaxResponseBytes <= 0 {
		return DefaultMaxResponseBytes
	}
	return f.MaxResponseBytes
}

// Do writes the request on conn and reads the complete response. Any error
// leaves conn in an unknown state; callers must not reuse it. Do is safe for
// concurrent use on distinct connections.
func (f *Framer) Do(conn net.Conn) (Exchange, error) {
	req := f.request
	if req == nil {
		req = BuildRequest(f.Host, f.KeepAlive)
	}
	start := time.Now()
	if f.ReadTimeout > 0 {
		if err := conn.SetDeadline(start.Add(f.ReadTimeout)); err != nil {
			return Exchange{}, fmt.Errorf("set deadline: %w", err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(req); err != nil {
		return Exchange{}, fmt.Errorf("write request: %w", err)
	}

	limit := f.maxBytes()
	buf, headerEnd, err := readHeaders(conn, limit)
	if err != nil {
		return Exchange{}, err
	}
	h, err := parseHeader(buf[:headerEnd])
	if err != nil {
		return Exchange{}, err
	}

	ex := Exchange{StatusCode: h.status, HeaderBytes: headerEnd}
	already := len(buf) - headerEnd
	switch {
	case h.lengthKnown:
		if headerEnd+h.contentLength > limit {
			return Exchange{}, fmt.Errorf("%w: declared body of %d bytes", ErrResponseTooLarge, h.contentLength)
		}
		if already < h.contentLength {
			rest := make([]byte, h.contentLength-already)
			if _, err := io.ReadFull(conn, rest); err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
					return Exchange{}, fmt.Errorf("%w: %v", ErrShortBody, err)
				}
				return Exchange{}, fmt.Errorf("read body: %w", err)
			}
		}
		ex.BodyBytes = h.contentLength
		// Bytes past the declared body mean the stream is out of step.
		ex.Reusable = f.KeepAlive && !h.connClose && already <= h.contentLength
	case f.KeepAlive && !h.connClose:
		// The peer will not close, so there is no end to wait for.
		return Exchange{}, fmt.Errorf("%w: status %d", ErrUnframedBody, h.status)
	default:
		n, err := readUntilClose(conn, limit-len(buf))
		if err != nil {
			return Exchange{}, err
		}
		ex.BodyBytes = already + n
	}
	ex.Latency = time.Since(start)
	return ex, nil
}

// readHeaders accumulates reads until the header terminator is seen and
// returns the buffer together with the offset just past the terminator.
func readHeaders(r io.Reader, limit int) ([]byte, int, error) {
	buf := make([]byte, 0, readChunk)
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			// resume the search a few bytes back in case the terminator straddles reads
			from := len(buf) - len(headerTerminator) + 1
			if from < 0 {
				from = 0
			}
			buf = append(buf, chunk[:n]...)
			if i := bytes.Index(buf[from:], headerTerminator); i >= 0 {
				return buf, from + i + len(headerTerminator), nil
			}
			if len(buf) >= limit {
				return nil, 0, fmt.Errorf("%w: no end of headers within %d bytes", ErrResponseTooLarge, limit)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, ErrIncompleteHeaders
			}
			return nil, 0, fmt.Errorf("read headers: %w", err)
		}
	}
}

// readUntilClose drains r until EOF. It fails once more than budget bytes
// arrive.
func readUntilClose(r io.Reader, budget int) (int, error) {
	chunk := make([]byte, readChunk)
	total := 0
	for {
		n, err := r.Read(chunk)
		total += n
		if total > budget {
			return 0, fmt.Errorf("%w: close-delimited body", ErrResponseTooLarge)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return 0, fmt.Errorf("read body: %w", err)
		}
	}
}

type header struct {
	status        int
	contentLength int
	lengthKnown   bool
	connClose     bool
}

// parseHeader scans the CRLF-delimited header block. Content-Length is
// matched case-sensitively at the start of a line; an absent or
// non-numeric value leaves the length unknown.
func parseHeader(block []byte) (header, error) {
	var h header
	lines := strings.Split(string(block), "\n")
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if i == 0 {
			status, err := parseStatusLine(line)
			if err != nil {
				return h, err
			}
			h.status = status
			continue
		}
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length:"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				h.contentLength = n
				h.lengthKnown = true
			}
			continue
		}
		name, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Connection") {
			h.connClose = httpguts.HeaderValuesContainsToken([]string{v}, "close")
		}
	}
	if bodyless(h.status) {
		h.contentLength = 0
		h.lengthKnown = true
	}
	return h, nil
}

func parseStatusLine(line string) (int, error) {
	if !strings.HasPrefix(line, "HTTP/") {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponse, truncate(line, 64))
	}
	_, rest, ok := strings.Cut(line, " ")
	if !ok || len(rest) < 3 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponse, truncate(line, 64))
	}
	code, err := strconv.Atoi(rest[:3])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedResponse, truncate(line, 64))
	}
	return code, nil
}

// 1xx, 204 and 304 responses never carry a body.
func bodyless(status int) bool {
	return (status >= 100 && status < 200) || status == 204 || status == 304
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
