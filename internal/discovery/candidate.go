package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Entry is one resolved service advertisement.
type Entry struct {
	Instance string
	HostName string
	Port     int
	AddrIPv4 []net.IP
	AddrIPv6 []net.IP
	Text     []string
}

// Host returns the address to dial: the first IPv4 address, then the first
// IPv6 address, then the first label of the advertised host name.
func (e Entry) Host() string {
	if len(e.AddrIPv4) > 0 {
		return e.AddrIPv4[0].String()
	}
	if len(e.AddrIPv6) > 0 {
		return e.AddrIPv6[0].String()
	}
	host, _, _ := strings.Cut(e.HostName, ".")
	return host
}

// Candidate is an advertisement of the remote-control instance family.
type Candidate struct {
	Entry

	// Name is the unescaped instance name
	Name string

	// ServiceID is the id after the family prefix
	ServiceID int

	// Ordinal is the number in parentheses, zero when absent
	Ordinal int

	// Numbered reports whether the name carried an ordinal
	Numbered bool
}

// Endpoint returns the dial endpoint of the candidate.
func (c Candidate) Endpoint() Endpoint {
	return Endpoint{Host: c.Host(), Port: c.Port, Instance: c.Name}
}

// ParseCandidate parses an instance name of the form
// "<prefix>:<service id>" or "<prefix>:<service id>(<ordinal>)".
func ParseCandidate(e Entry, prefix string) (Candidate, bool) {
	name := unescape(e.Instance)
	label, _, _ := strings.Cut(name, ".")

	family, rest, found := strings.Cut(label, ":")
	if !found || family != prefix {
		return Candidate{}, false
	}

	idPart, ordPart, hasOrdinal := strings.Cut(rest, "(")
	id, err := strconv.Atoi(strings.TrimSpace(idPart))
	if err != nil {
		return Candidate{}, false
	}

	c := Candidate{Entry: e, Name: label, ServiceID: id}
	if hasOrdinal {
		digits, _, closed := strings.Cut(ordPart, ")")
		if n, err := strconv.Atoi(digits); closed && err == nil && n >= 0 {
			c.Ordinal = n
			c.Numbered = true
		}
	}
	return c, true
}

// Select returns the best candidate for serviceID: the numbered instance
// with the highest ordinal, or the first unnumbered instance when none is
// numbered. Earlier arrivals win ties.
func Select(candidates []Candidate, serviceID int) (Candidate, bool) {
	var (
		best  Candidate
		found bool
	)
	for _, c := range candidates {
		if c.ServiceID != serviceID {
			continue
		}
		switch {
		case !found:
			best, found = c, true
		case c.Numbered && !best.Numbered:
			best = c
		case c.Numbered && best.Numbered && c.Ordinal > best.Ordinal:
			best = c
		}
	}
	return best, found
}

// InstanceName builds the advertised instance name. An ordinal of zero
// produces a name without suffix.
func InstanceName(prefix string, serviceID, ordinal int) string {
	if ordinal <= 0 {
		return fmt.Sprintf("%s:%d", prefix, serviceID)
	}
	return fmt.Sprintf("%s:%d(%d)", prefix, serviceID, ordinal)
}

// unescape removes DNS presentation escapes (\X and \DDD) from a label.
func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		if i+3 < len(s) && isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			if n, err := strconv.Atoi(s[i+1 : i+4]); err == nil && n < 256 {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i+1])
		i++
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
