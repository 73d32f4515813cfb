// Package service locates the network service a running job publishes.
package service

import (
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/antonkrylov/hpcconnect/internal/errkind"
)

// AddressPrefix marks the address line in the job's standard output.
const AddressPrefix = "SERVICE_ADDRESS="

// Address is where the service listens inside the cluster.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports an unset address.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// validHost accepts hostnames and IP literals. The host ends up in remote
// shell commands, so anything else is refused.
func validHost(host string) bool {
	if net.ParseIP(host) != nil {
		return true
	}
	return hostnameRe.MatchString(host) && !strings.HasPrefix(host, "-")
}

// ParseAddress parses a HOSTNAME:PORT record. Surrounding whitespace and an
// optional SERVICE_ADDRESS= prefix are ignored.
func ParseAddress(s string) (Address, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimSpace(strings.TrimPrefix(raw, AddressPrefix))
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return Address{}, errkind.Newf(errkind.ErrParse, "parse service address", "%q: %w", s, err)
	}
	if !validHost(host) {
		return Address{}, errkind.Newf(errkind.ErrParse, "parse service address", "%q: bad host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Address{}, errkind.Newf(errkind.ErrParse, "parse service address", "%q: port must be 1-65535", s)
	}
	return Address{Host: host, Port: port}, nil
}
