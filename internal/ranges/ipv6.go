package ranges

import (
	"strconv"
	"strings"
)

const ipv6Groups = 8

// NormalizeIPv6 expands a single "::" run and zero-pads every group so the
// result always has eight 4-digit hex groups. Only the common shorthand form is
// handled; addresses with several collapse points are not valid IPv6.
func NormalizeIPv6(ip string) string {
	parts := strings.Split(strings.TrimSpace(ip), ":")

	explicit := 0
	for _, part := range parts {
		if part != "" {
			explicit++
		}
	}

	expanded := make([]string, 0, ipv6Groups)
	collapsed := false
	for _, part := range parts {
		switch {
		case part == "" && !collapsed:
			for i := 0; i < ipv6Groups-explicit; i++ {
				expanded = append(expanded, "0000")
			}
			collapsed = true
		case part != "":
			expanded = append(expanded, padGroup(part))
		}
	}

	return strings.Join(expanded, ":")
}

// CompareIPv6 orders two normalized addresses by their 16-bit groups. It
// returns a negative number, zero or a positive number like strings.Compare.
func CompareIPv6(a, b string) int {
	ga := strings.Split(a, ":")
	gb := strings.Split(b, ":")

	for i := 0; i < ipv6Groups; i++ {
		na := groupValue(ga, i)
		nb := groupValue(gb, i)
		if na != nb {
			return na - nb
		}
	}

	return 0
}

// ipv6Key is a normalized address as eight numeric groups. Unparsable groups
// read as zero, matching CompareIPv6.
type ipv6Key [ipv6Groups]uint16

type ipv6Bounds struct {
	start, end ipv6Key
}

func ipv6KeyOf(normalized string) ipv6Key {
	groups := strings.Split(normalized, ":")
	var key ipv6Key
	for i := range key {
		key[i] = uint16(groupValue(groups, i))
	}
	return key
}

func compareKeys(a, b ipv6Key) int {
	for i := range a {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return 0
}

func boundsOf(ranges []IPv6Range) []ipv6Bounds {
	bounds := make([]ipv6Bounds, len(ranges))
	for i, r := range ranges {
		bounds[i] = ipv6Bounds{
			start: ipv6KeyOf(NormalizeIPv6(r.Start)),
			end:   ipv6KeyOf(NormalizeIPv6(r.End)),
		}
	}
	return bounds
}

func padGroup(group string) string {
	if len(group) >= 4 {
		return group
	}
	return strings.Repeat("0", 4-len(group)) + group
}

func groupValue(groups []string, i int) int {
	if i >= len(groups) {
		return 0
	}
	v, err := strconv.ParseUint(groups[i], 16, 16)
	if err != nil {
		return 0
	}
	return int(v)
}
