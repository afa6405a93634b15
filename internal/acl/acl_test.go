package acl

import (
	"net/netip"
	"testing"
)

func mustSet(t *testing.T, cidrs ...string) CompiledSet {
	t.Helper()
	s, err := Compile(cidrs)
	if err != nil {
		t.Fatalf("Compile(%v): %v", cidrs, err)
	}
	return s
}

func TestClassifyEmptyAllowAdmitsEverything(t *testing.T) {
	block := mustSet(t, "192.168.0.0/16")
	allow := CompiledSet{}
	if got := Classify(netip.MustParseAddr("127.0.0.1"), allow, block); got != Admit {
		t.Fatalf("expected Admit, got %v", got)
	}
}

func TestClassifyBlockWinsOverAllow(t *testing.T) {
	allow := mustSet(t, "10.0.0.0/8")
	block := mustSet(t, "10.1.0.0/16")
	if got := Classify(netip.MustParseAddr("10.1.2.3"), allow, block); got != Reject {
		t.Fatalf("expected Reject, got %v", got)
	}
}

func TestClassifyAllowMustMatch(t *testing.T) {
	allow := mustSet(t, "10.0.0.0/8")
	block := CompiledSet{}
	if got := Classify(netip.MustParseAddr("127.0.0.1"), allow, block); got != Reject {
		t.Fatalf("expected Reject for non-matching peer with non-empty allow, got %v", got)
	}
	if got := Classify(netip.MustParseAddr("10.36.0.5"), allow, block); got != Admit {
		t.Fatalf("expected Admit for matching peer, got %v", got)
	}
}

func TestClassifyIPv6(t *testing.T) {
	allow := mustSet(t, "2001:db8::/32")
	block := CompiledSet{}
	if got := Classify(netip.MustParseAddr("2001:db8::1"), allow, block); got != Admit {
		t.Fatalf("expected Admit, got %v", got)
	}
	if got := Classify(netip.MustParseAddr("2001:db9::1"), allow, block); got != Reject {
		t.Fatalf("expected Reject, got %v", got)
	}
}

func TestCompileRejectsMalformed(t *testing.T) {
	if _, err := Compile([]string{"not-a-cidr"}); err == nil {
		t.Fatalf("expected error for malformed CIDR")
	}
	if _, err := Compile([]string{"10.0.0.0/33"}); err == nil {
		t.Fatalf("expected error for out-of-range v4 prefix")
	}
}
