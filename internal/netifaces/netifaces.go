// Package netifaces enumerates IPv4-capable network interfaces, used to
// resolve the relay's interface-binding hint to a local source address.
package netifaces

import (
	"fmt"
	"net"
	"net/netip"
)

// InterfaceInfo holds the IPv4 addressing of a single interface.
type InterfaceInfo struct {
	Name string
	IP   netip.Addr
}

// Interfaces returns information about all IPv4-capable network interfaces.
func Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var result []InterfaceInfo
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			ip, ok := netip.AddrFromSlice(ip4)
			if !ok {
				continue
			}
			result = append(result, InterfaceInfo{
				Name: iface.Name,
				IP:   ip,
			})
		}
	}

	return result, nil
}

// FindByName finds an interface by its OS name (e.g. "eth0").
func FindByName(name string) (*InterfaceInfo, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, info := range ifaces {
		if info.Name == name {
			return &info, nil
		}
	}
	return nil, fmt.Errorf("interface %s not found", name)
}

// FindByIP finds the interface holding the given IPv4 address.
func FindByIP(ip netip.Addr) (*InterfaceInfo, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, info := range ifaces {
		if info.IP == ip {
			return &info, nil
		}
	}
	return nil, fmt.Errorf("no interface has address %s", ip)
}
