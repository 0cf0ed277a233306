package ranges

import (
	"sort"
	"strconv"
	"strings"
)

// Protocol selects which range file a payload belongs to.
type Protocol string

const (
	IPv4 Protocol = "ipv4"
	IPv6 Protocol = "ipv6"
)

// IPv4Range is an inclusive block of IPv4 addresses mapped to a country.
type IPv4Range struct {
	Start   uint32
	End     uint32
	Country string
}

// IPv6Range keeps the addresses as they appear in the source file.
// They are normalized when compared, not when parsed.
type IPv6Range struct {
	Start   string
	End     string
	Country string
}

const minFields = 3

// ParseIPv4 decodes "start,end,country[,...]" lines and returns them sorted
// by Start. Malformed lines are skipped.
func ParseIPv4(data []byte) []IPv4Range {
	lines := splitLines(data)
	out := make([]IPv4Range, 0, len(lines))

	for _, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) < minFields {
			continue
		}

		start, ok := IPv4ToNumber(parts[0])
		if !ok {
			continue
		}
		end, ok := IPv4ToNumber(parts[1])
		if !ok {
			continue
		}

		out = append(out, IPv4Range{
			Start:   start,
			End:     end,
			Country: strings.TrimSpace(parts[2]),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})

	return out
}

// ParseIPv6 decodes "start,end,country[,...]" lines in file order.
func ParseIPv6(data []byte) []IPv6Range {
	lines := splitLines(data)
	out := make([]IPv6Range, 0, len(lines))

	for _, line := range lines {
		parts := strings.Split(line, ",")
		if len(parts) < minFields {
			continue
		}

		out = append(out, IPv6Range{
			Start:   strings.TrimSpace(parts[0]),
			End:     strings.TrimSpace(parts[1]),
			Country: strings.TrimSpace(parts[2]),
		})
	}

	return out
}

// IPv4ToNumber converts a dotted quad into its big-endian uint32 value.
func IPv4ToNumber(ip string) (uint32, bool) {
	octets := strings.Split(strings.TrimSpace(ip), ".")
	if len(octets) != 4 {
		return 0, false
	}

	var n uint32
	for _, octet := range octets {
		v, err := strconv.ParseUint(octet, 10, 8)
		if err != nil {
			return 0, false
		}
		n = n*256 + uint32(v)
	}

	return n, true
}

func splitLines(data []byte) []string {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	lines := strings.Split(trimmed, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
