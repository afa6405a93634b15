// Package httpwire parses the HTTP/1.1 request-line and headers off a
// byte-oriented stream, exactly to the extent the proxy core needs: no
// response parsing, no chunked-transfer re-framing, no header folding.
package httpwire

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
)

// Code enumerates the parser's error taxonomy from SPEC_FULL.md 4.B.
// Negative codes are fatal-per-connection; positive codes are HTTP status
// codes the caller should respond with before re-arming.
type Code int

const (
	ConnectionClosed Code = -1
	NotHTTP          Code = -2
	BadHeader        Code = -3
	RequestURITooLong Code = 414
)

// ParseError carries one of the Code values above plus a human-readable
// reason.
type ParseError struct {
	Code   Code
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("httpwire: %s (code %d)", e.Reason, e.Code)
}

func fatal(code Code, reason string) error {
	return &ParseError{Code: code, Reason: reason}
}

// RequestLine is the parsed (method, target, version) triple. Method is
// normalized to uppercase; Target has been percent-decoded.
type RequestLine struct {
	Method      string
	Target      string
	VersionMajor int
	VersionMinor int
}

// DefaultMaxRequestLine matches the I/O buffer size the spec names as the
// default request-line length budget (typ. 8 KiB).
const DefaultMaxRequestLine = 8192

// ReadRequestLine reads one CRLF-terminated request-line from r, enforcing
// maxLen bytes before giving up with RequestURITooLong. maxLen <= 0 selects
// DefaultMaxRequestLine.
func ReadRequestLine(r *bufio.Reader, maxLen int) (RequestLine, error) {
	if maxLen <= 0 {
		maxLen = DefaultMaxRequestLine
	}
	line, err := readLimitedLine(r, maxLen)
	if err != nil {
		return RequestLine{}, err
	}
	rl, ok := parseRequestLine(line)
	if !ok {
		return RequestLine{}, fatal(NotHTTP, "malformed request-line: "+strconv.Quote(line))
	}
	return rl, nil
}

// readLimitedLine reads a single line (without the trailing CRLF/LF) from
// r, failing per the taxonomy: ConnectionClosed if no bytes were read
// before EOF, RequestURITooLong if maxLen is exceeded without finding a
// newline, NotHTTP for any other short read.
func readLimitedLine(r *bufio.Reader, maxLen int) (string, error) {
	var sb strings.Builder
	total := 0
	for {
		chunk, err := r.ReadSlice('\n')
		total += len(chunk)
		sb.Write(chunk)
		if err == nil {
			s := sb.String()
			return strings.TrimRight(s, "\r\n"), nil
		}
		if err == bufio.ErrBufferFull {
			if total >= maxLen {
				return "", fatal(RequestURITooLong, "request-line exceeds limit")
			}
			continue
		}
		if err == io.EOF {
			if total == 0 {
				return "", fatal(ConnectionClosed, "peer closed before sending any bytes")
			}
			return "", fatal(NotHTTP, "connection closed mid request-line")
		}
		return "", fatal(NotHTTP, err.Error())
	}
}

func parseRequestLine(line string) (RequestLine, bool) {
	// METHOD SP TARGET SP "HTTP/"DIGIT+"."DIGIT+
	firstSP := strings.IndexByte(line, ' ')
	if firstSP < 0 {
		return RequestLine{}, false
	}
	method := line[:firstSP]
	rest := line[firstSP+1:]
	lastSP := strings.LastIndexByte(rest, ' ')
	if lastSP < 0 {
		return RequestLine{}, false
	}
	target := rest[:lastSP]
	version := rest[lastSP+1:]
	if method == "" || target == "" {
		return RequestLine{}, false
	}
	const prefix = "HTTP/"
	versionUpper := strings.ToUpper(version)
	if !strings.HasPrefix(versionUpper, prefix) {
		return RequestLine{}, false
	}
	dot := strings.IndexByte(versionUpper, '.')
	if dot < len(prefix) {
		return RequestLine{}, false
	}
	majorStr := versionUpper[len(prefix):dot]
	minorStr := versionUpper[dot+1:]
	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return RequestLine{}, false
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return RequestLine{}, false
	}
	decoded, err := url.PathUnescape(target)
	if err != nil {
		decoded = target
	}
	return RequestLine{
		Method:       strings.ToUpper(method),
		Target:       decoded,
		VersionMajor: major,
		VersionMinor: minor,
	}, true
}

// Headers is a mapping from lowercase header name to its ordered list of
// raw values, preserving duplicates, plus the order in which names were
// first seen (for deterministic serialization).
type Headers struct {
	values map[string][]string
	order  []string
}

// NewHeaders returns an empty Headers.
func NewHeaders() Headers {
	return Headers{values: make(map[string][]string)}
}

// Add appends value under the lowercased name.
func (h *Headers) Add(name, value string) {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], strings.TrimSpace(value))
}

// Get returns the first value for name, and whether it was present.
func (h Headers) Get(name string) (string, bool) {
	vs, ok := h.values[strings.ToLower(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Values returns all values for name in encounter order.
func (h Headers) Values(name string) []string {
	return h.values[strings.ToLower(name)]
}

// Names returns header names in first-seen order.
func (h Headers) Names() []string { return h.order }

// ContentLength parses the Content-Length header, if present.
func (h Headers) ContentLength() (int64, bool, error) {
	v, ok := h.Get("content-length")
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("httpwire: bad content-length %q: %w", v, err)
	}
	return n, true, nil
}

// String renders the headers as CRLF-joined "Name: v1,v2" lines, matching
// the comma-joined multi-value rendering the original proxy used.
func (h Headers) String() string {
	lines := make([]string, 0, len(h.order))
	for _, k := range h.order {
		lines = append(lines, k+": "+strings.Join(h.values[k], ","))
	}
	return strings.Join(lines, "\r\n")
}

// ReadHeaders reads header lines from r until an empty line, per
// SPEC_FULL.md 4.B. Header folding is not supported: a continuation line
// (leading whitespace) is treated as any other line and will fail to parse
// if it lacks a colon.
func ReadHeaders(r *bufio.Reader) (Headers, error) {
	h := NewHeaders()
	for {
		line, err := readLimitedLine(r, DefaultMaxRequestLine)
		if err != nil {
			return Headers{}, err
		}
		if line == "" {
			return h, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return Headers{}, fatal(BadHeader, "header line missing ':': "+strconv.Quote(line))
		}
		h.Add(line[:idx], line[idx+1:])
	}
}
