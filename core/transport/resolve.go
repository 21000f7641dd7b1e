package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

var (
	errNoIPv4Addr = errors.New("no IPv4 address")
	errNoIPv6Addr = errors.New("no IPv6 address")
)

// ResolvePreference selects the address family used when a host has both.
type ResolvePreference struct {
	PreferIPv6 bool
	Exclusive  bool // Fail instead of falling back to the other family
}

func ResolvePreferenceFromString(preference string) (ResolvePreference, error) {
	switch preference {
	case "4":
		return ResolvePreference{PreferIPv6: false, Exclusive: true}, nil
	case "6":
		return ResolvePreference{PreferIPv6: true, Exclusive: true}, nil
	case "", "46":
		return ResolvePreference{PreferIPv6: false, Exclusive: false}, nil
	case "64":
		return ResolvePreference{PreferIPv6: true, Exclusive: false}, nil
	default:
		return ResolvePreference{}, fmt.Errorf("%s is not a valid preference", preference)
	}
}

// Resolve turns host and port into a UDP socket address.
func Resolve(host, port string, pref ResolvePreference) (netip.AddrPort, error) {
	portNum, err := net.LookupPort("udp", port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ip, err := resolveIPAddrWithPreference(host, pref)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, uint16(portNum)), nil
}

func resolveIPAddrWithPreference(address string, pref ResolvePreference) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(address); err == nil {
		return ip.Unmap(), nil
	}
	ips, err := net.LookupIP(address)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no address found for %s", address)
	}
	for _, ip := range ips {
		if (ip.To4() == nil) == pref.PreferIPv6 {
			return fromIP(ip), nil
		}
	}
	if pref.Exclusive {
		if pref.PreferIPv6 {
			return netip.Addr{}, errNoIPv6Addr
		}
		return netip.Addr{}, errNoIPv4Addr
	}
	return fromIP(ips[0]), nil
}

func fromIP(ip net.IP) netip.Addr {
	addr, _ := netip.AddrFromSlice(ip)
	return addr.Unmap()
}
