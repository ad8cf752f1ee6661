package fetch

import "net/netip"

// blockedPrefixes are the non-public ranges a fetch may never reach.
var blockedPrefixes []netip.Prefix

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8",       // this network
		"10.0.0.0/8",      // RFC1918
		"100.64.0.0/10",   // CGNAT
		"127.0.0.0/8",     // loopback
		"169.254.0.0/16",  // link-local
		"172.16.0.0/12",   // RFC1918
		"192.0.0.0/24",    // IETF protocol assignments
		"192.0.2.0/24",    // TEST-NET-1
		"192.168.0.0/16",  // RFC1918
		"198.18.0.0/15",   // benchmarking
		"198.51.100.0/24", // TEST-NET-2
		"203.0.113.0/24",  // TEST-NET-3
		"224.0.0.0/3",     // multicast and reserved
		"::1/128",
		"::/128",
		"fc00::/7",      // unique-local
		"fe80::/10",     // link-local
		"ff00::/8",      // multicast
		"2001:db8::/32", // documentation
	} {
		blockedPrefixes = append(blockedPrefixes, netip.MustParsePrefix(cidr))
	}
}

// IsPrivate reports whether a is in a private, loopback, link-local,
// documentation or reserved range. IPv4-mapped IPv6 addresses are checked
// against the IPv4 ranges.
func IsPrivate(a netip.Addr) bool {
	if !a.IsValid() {
		return true
	}
	a = a.WithZone("")
	if a.Is4In6() {
		return IsPrivate(a.Unmap())
	}
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
