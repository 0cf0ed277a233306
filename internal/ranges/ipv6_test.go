package ranges

import "testing"

func TestNormalizeIPv6(t *testing.T) {
	cases := map[string]string{
		"2001:db8::1":     "2001:0db8:0000:0000:0000:0000:0000:0001",
		"::1":             "0000:0000:0000:0000:0000:0000:0000:0001",
		"::":              "0000:0000:0000:0000:0000:0000:0000:0000",
		"fe80::":          "fe80:0000:0000:0000:0000:0000:0000:0000",
		"1:2:3:4:5:6:7:8": "0001:0002:0003:0004:0005:0006:0007:0008",
	}
	for input, want := range cases {
		if got := NormalizeIPv6(input); got != want {
			t.Fatalf("NormalizeIPv6(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeIPv6Idempotent(t *testing.T) {
	for _, input := range []string{"2001:db8::1", "::1", "2a00:1450:4001:81c::200e"} {
		once := NormalizeIPv6(input)
		if twice := NormalizeIPv6(once); twice != once {
			t.Fatalf("NormalizeIPv6 not idempotent for %q: %q vs %q", input, once, twice)
		}
	}
}

func TestCompareIPv6(t *testing.T) {
	a := NormalizeIPv6("2001:db8::1")
	b := NormalizeIPv6("2001:db8::2")
	c := NormalizeIPv6("2001:db9::")

	if CompareIPv6(a, a) != 0 {
		t.Fatal("CompareIPv6(a, a) != 0")
	}
	if CompareIPv6(a, b) >= 0 || CompareIPv6(b, a) <= 0 {
		t.Fatal("CompareIPv6 did not order a < b")
	}
	if CompareIPv6(b, c) >= 0 {
		t.Fatal("CompareIPv6 did not order by earlier group first")
	}
	if CompareIPv6(NormalizeIPv6("ffff::"), NormalizeIPv6("0fff::")) <= 0 {
		t.Fatal("CompareIPv6 must compare groups numerically")
	}
}

func TestIPv6KeysOrderLikeCompareIPv6(t *testing.T) {
	addrs := []string{"::", "::1", "2001:db8::1", "2001:db8::ffff", "2001:db8:0:0:0:0:1:0", "fe80::", "ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff", "2001:zz::1"}
	for _, a := range addrs {
		for _, b := range addrs {
			na, nb := NormalizeIPv6(a), NormalizeIPv6(b)
			want := sign(CompareIPv6(na, nb))
			if got := sign(compareKeys(ipv6KeyOf(na), ipv6KeyOf(nb))); got != want {
				t.Fatalf("compareKeys(%s, %s) sign = %d, CompareIPv6 sign = %d", a, b, got, want)
			}
		}
	}
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	}
	return 0
}
