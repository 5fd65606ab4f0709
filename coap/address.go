package coap

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// Scheme is the URI scheme of CoAP endpoint addresses.
	Scheme = "coap"
	// DefaultPort is the IANA assigned CoAP port.
	DefaultPort = 5683
	// DefaultResource is the resource path USP Records are posted to.
	DefaultResource = "usp"
	// ReplyToQuery is the URI-Query key carrying the sender's address.
	ReplyToQuery = "reply-to"
)

// ErrInvalidAddress is returned for addresses that are not coap:// URIs.
var ErrInvalidAddress = errors.New("invalid coap address")

// Address is a parsed coap://host:port/path endpoint address.
type Address struct {
	Host string
	Port int
	Path string
}

// ParseAddress parses a coap:// URI. A missing port selects DefaultPort and
// a missing path selects DefaultResource.
func ParseAddress(raw string) (Address, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if u.Scheme != Scheme {
		return Address{}, fmt.Errorf("%w: scheme %q", ErrInvalidAddress, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Address{}, fmt.Errorf("%w: missing host in %q", ErrInvalidAddress, raw)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Address{}, fmt.Errorf("%w: port %q", ErrInvalidAddress, p)
		}
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		path = DefaultResource
	}
	return Address{Host: host, Port: port, Path: path}, nil
}

// HostPort returns the dialable host:port.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ReplyTo returns the address without its scheme, as carried in the
// reply-to URI-Query option.
func (a Address) ReplyTo() string {
	return a.HostPort() + "/" + a.Path
}

// String returns the coap:// URI.
func (a Address) String() string {
	return Scheme + "://" + a.ReplyTo()
}

// ReplyTo extracts the reply-to value from URI-Query options and restores
// the coap:// scheme. The last reply-to option wins.
func ReplyTo(queries []string) (string, bool) {
	var addr string
	for _, q := range queries {
		key, value, _ := strings.Cut(q, "=")
		if key == ReplyToQuery && value != "" {
			addr = Scheme + "://" + value
		}
	}
	return addr, addr != ""
}
