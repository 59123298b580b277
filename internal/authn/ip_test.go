package authn

import "testing"

func TestNormalizeIP_IPv4PassesThrough(t *testing.T) {
	if got := NormalizeIP("203.0.113.7"); got != "203.0.113.7" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalizeIP_IPv6SharesSame64Prefix(t *testing.T) {
	a := NormalizeIP("2001:db8:1234:5678::1")
	b := NormalizeIP("2001:db8:1234:5678:ffff:ffff:ffff:ffff")
	if a != b {
		t.Fatalf("expected same /64 key, got %q vs %q", a, b)
	}
}

func TestNormalizeIP_IPv6DifferentPrefixDiffers(t *testing.T) {
	a := NormalizeIP("2001:db8:1234:5678::1")
	b := NormalizeIP("2001:db8:1234:9999::1")
	if a == b {
		t.Fatalf("expected different /64 keys, got equal %q", a)
	}
}
