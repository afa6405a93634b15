package httpwire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestReadRequestLineBasic(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("GET http://example.com/a%20b HTTP/1.1\r\n"))
	rl, err := ReadRequestLine(r, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rl.Method != "GET" || rl.Target != "http://example.com/a b" || rl.VersionMajor != 1 || rl.VersionMinor != 1 {
		t.Fatalf("unexpected parse: %+v", rl)
	}
}

func TestReadRequestLineLowercaseMethodNormalized(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("get / HTTP/1.0\r\n"))
	rl, err := ReadRequestLine(r, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rl.Method != "GET" {
		t.Fatalf("expected normalized method, got %q", rl.Method)
	}
}

func TestReadRequestLineMalformed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("not a request\r\n"))
	_, err := ReadRequestLine(r, 0)
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != NotHTTP {
		t.Fatalf("expected NotHTTP, got %v", err)
	}
}

func TestReadRequestLineConnectionClosed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	_, err := ReadRequestLine(r, 0)
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != ConnectionClosed {
		t.Fatalf("expected ConnectionClosed, got %v", err)
	}
}

func TestReadRequestLineTooLong(t *testing.T) {
	body := strings.Repeat("A", 64)
	r := bufio.NewReaderSize(strings.NewReader(body), 16)
	_, err := ReadRequestLine(r, 16)
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != RequestURITooLong {
		t.Fatalf("expected RequestURITooLong, got %v", err)
	}
}

func TestReadHeaders(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Host: example.com\r\nX-Multi: a\r\nX-Multi: b\r\n\r\nbody"))
	h, err := ReadHeaders(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, ok := h.Get("host"); !ok || v != "example.com" {
		t.Fatalf("unexpected host: %v %v", v, ok)
	}
	if vs := h.Values("x-multi"); len(vs) != 2 || vs[0] != "a" || vs[1] != "b" {
		t.Fatalf("unexpected duplicate values: %v", vs)
	}
	rest, _ := r.ReadString(0)
	if !strings.HasPrefix(rest, "body") {
		t.Fatalf("expected body left in reader, got %q", rest)
	}
}

func TestReadHeadersBadHeader(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("not-a-header-line\r\n\r\n"))
	_, err := ReadHeaders(r)
	pe, ok := err.(*ParseError)
	if !ok || pe.Code != BadHeader {
		t.Fatalf("expected BadHeader, got %v", err)
	}
}

func TestContentLength(t *testing.T) {
	var h Headers = NewHeaders()
	h.Add("Content-Length", "42")
	n, ok, err := h.ContentLength()
	if err != nil || !ok || n != 42 {
		t.Fatalf("unexpected: %d %v %v", n, ok, err)
	}
}

func TestParseLowercasesHeaderNamesAndPreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("GET /x HTTP/1.1\r\nHost: a.example\r\nAccept: */*\r\nAccept: text/html\r\n\r\n")
	r := bufio.NewReader(&buf)
	rl, err := ReadRequestLine(r, 0)
	if err != nil {
		t.Fatalf("request line: %v", err)
	}
	h, err := ReadHeaders(r)
	if err != nil {
		t.Fatalf("headers: %v", err)
	}
	if rl.Method != "GET" || rl.Target != "/x" {
		t.Fatalf("unexpected request line: %+v", rl)
	}
	if names := h.Names(); len(names) != 2 || names[0] != "host" || names[1] != "accept" {
		t.Fatalf("unexpected header order: %v", names)
	}
	if vs := h.Values("accept"); len(vs) != 2 {
		t.Fatalf("expected duplicate accept values preserved, got %v", vs)
	}
}
