package fleet

import (
	"fmt"
	"net"
	"strings"
)

// RangeTargets builds the addresses prefix.offset .. prefix.(offset+count-1)
// where prefix is the first three octets of ipBase.
func RangeTargets(ipBase string, offset, count int) ([]string, error) {
	parts := strings.Split(ipBase, ".")
	if len(parts) < 3 {
		return nil, fmt.Errorf("invalid ip base %q", ipBase)
	}
	prefix := strings.Join(parts[:3], ".")
	if net.ParseIP(prefix+".0").To4() == nil {
		return nil, fmt.Errorf("invalid ip base %q", ipBase)
	}
	if offset < 0 || count < 0 || offset+count > 256 {
		return nil, fmt.Errorf("range %d+%d exceeds the last octet", offset, count)
	}

	ips := make([]string, 0, count)
	for i := offset; i < offset+count; i++ {
		ips = append(ips, fmt.Sprintf("%s.%d", prefix, i))
	}
	return ips, nil
}

// ExpandSubnet converts a CIDR to its host addresses, excluding the network
// and broadcast addresses.
func ExpandSubnet(subnet string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet CIDR: %w", err)
	}

	ip := ipNet.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("only IPv4 subnets are supported")
	}

	mask := ipNet.Mask
	broadcast := make(net.IP, len(ip))
	for i := range ip {
		broadcast[i] = ip[i] | ^mask[i]
	}

	current := make(net.IP, len(ip))
	copy(current, ip)
	incIP(current)

	var ips []string
	for ipNet.Contains(current) && !current.Equal(broadcast) {
		ips = append(ips, current.String())
		incIP(current)
	}
	return ips, nil
}

// LocalSubnets returns the /24 networks of every up, non-loopback IPv4
// interface.
func LocalSubnets() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var subnets []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			subnet := fmt.Sprintf("%s/24", ip.Mask(net.CIDRMask(24, 32)))
			if !seen[subnet] {
				seen[subnet] = true
				subnets = append(subnets, subnet)
			}
		}
	}
	return subnets
}

func incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] > 0 {
			break
		}
	}
}
