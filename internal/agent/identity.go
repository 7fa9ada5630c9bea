package agent

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// identity is the resolved registration triple.
type identity struct {
	serviceName string
	host        string
	port        int
}

// resolveIdentity merges explicit configuration, the optional provider, and
// platform introspection, in that order of precedence. It is pure local work;
// no network calls beyond reading interface addresses.
func resolveIdentity(config Config) (identity, error) {
	id := identity{
		serviceName: config.ServiceName,
		host:        config.Host,
		port:        config.Port,
	}

	if config.Provider != nil && (id.serviceName == "" || id.host == "" || id.port == 0) {
		name, host, port, err := config.Provider.ServiceInfo()
		if err != nil {
			return identity{}, fmt.Errorf("service info provider: %w", err)
		}
		if id.serviceName == "" {
			id.serviceName = name
		}
		if id.host == "" {
			id.host = host
		}
		if id.port == 0 {
			id.port = port
		}
	}

	if id.serviceName == "" {
		id.serviceName = entryName()
	}
	if id.serviceName == "" {
		return identity{}, errors.New("service name could not be determined")
	}
	if id.port <= 0 || id.port > 65535 {
		return identity{}, fmt.Errorf("invalid port %d: set Port or supply a ServiceInfoProvider", config.Port)
	}
	if isWildcardHost(id.host) {
		id.host = firstRoutableIPv4()
	}
	return id, nil
}

// entryName derives a service name from the entry program, the last identity
// fallback.
func entryName() string {
	base := filepath.Base(os.Args[0])
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// isWildcardHost reports whether host is a bind-anything placeholder that
// peers cannot dial: empty, an unspecified IP, or the "*" / "+" forms some
// server stacks accept.
func isWildcardHost(host string) bool {
	switch host {
	case "", "*", "+":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsUnspecified()
	}
	return false
}

// firstRoutableIPv4 returns the first non-loopback IPv4 interface address,
// falling back to loopback when the host has none.
func firstRoutableIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
