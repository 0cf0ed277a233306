package ranges

import "testing"

func TestIPv4ToNumber(t *testing.T) {
	cases := map[string]uint32{
		"0.0.0.0":         0,
		"1.2.3.4":         16909060,
		"255.255.255.255": 4294967295,
		" 10.0.0.1 ":      167772161,
	}
	for input, want := range cases {
		got, ok := IPv4ToNumber(input)
		if !ok {
			t.Fatalf("IPv4ToNumber(%q) failed", input)
		}
		if got != want {
			t.Fatalf("IPv4ToNumber(%q) = %d, want %d", input, got, want)
		}
	}

	for _, input := range []string{"", "1.2.3", "1.2.3.256", "a.b.c.d", "1.2.3.4.5"} {
		if _, ok := IPv4ToNumber(input); ok {
			t.Fatalf("IPv4ToNumber(%q) succeeded, want failure", input)
		}
	}
}

func TestParseIPv4SortsAndTrims(t *testing.T) {
	data := []byte("8.8.8.0,8.8.8.255, US \n1.0.0.0,1.0.0.255,AU\r\n" +
		"broken line\n2.0.0.0,2.0.0.255\n5.0.0.0,5.0.0.255,DE,extra\n")

	got := ParseIPv4(data)
	if len(got) != 3 {
		t.Fatalf("ParseIPv4 returned %d ranges, want 3", len(got))
	}

	want := []string{"AU", "DE", "US"}
	for i, r := range got {
		if r.Country != want[i] {
			t.Fatalf("range %d country = %q, want %q", i, r.Country, want[i])
		}
		if i > 0 && got[i-1].Start > r.Start {
			t.Fatalf("ranges not sorted at index %d", i)
		}
	}
}

func TestParseIPv6KeepsOrderAndRawAddresses(t *testing.T) {
	data := []byte("2001:db8::,2001:db8::ffff,NO\n2000::,2000::ff, SE\nbad\n")

	got := ParseIPv6(data)
	if len(got) != 2 {
		t.Fatalf("ParseIPv6 returned %d ranges, want 2", len(got))
	}
	if got[0].Start != "2001:db8::" || got[0].Country != "NO" {
		t.Fatalf("unexpected first range %+v", got[0])
	}
	if got[1].Country != "SE" {
		t.Fatalf("country not trimmed: %q", got[1].Country)
	}
}

func TestParseEmptyInput(t *testing.T) {
	if got := ParseIPv4(nil); len(got) != 0 {
		t.Fatalf("ParseIPv4(nil) returned %d ranges", len(got))
	}
	if got := ParseIPv6([]byte("  \n")); len(got) != 0 {
		t.Fatalf("ParseIPv6(blank) returned %d ranges", len(got))
	}
}
