// Package xff rewrites request source addresses from X-Forwarded-For headers
// set by trusted proxies.
package xff

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/packethost/xff"
	"github.com/pkg/errors"
)

// Parse parses a comma separated list of trusted proxies. Entries may be CIDR
// blocks or plain IPs; IPs are converted to CIDR notation with /32 or /128
// for IPv4 and IPv6 respectively.
//
// Parse formats proxies appropriate for use with Middleware.
func Parse(trustedProxies string) ([]string, error) {
	var result []string

	for _, entry := range strings.Split(trustedProxies, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if _, _, err := net.ParseCIDR(entry); err == nil {
			result = append(result, entry)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid cidr or ip: %v", entry)
		}

		if ip.To4() != nil {
			entry += "/32"
		} else {
			entry += "/128"
		}
		result = append(result, entry)
	}

	return result, nil
}

// Middleware wraps handler so requests arriving from allowedSubnets have
// their http.Request.RemoteAddr replaced with the X-Forwarded-For header
// address. Requests from other peers pass through unchanged.
//
// allowedSubnets is a slice of CIDR blocks. Individual IPs should be
// formatted with /32 or /128 for IPv4 and IPv6 respectively.
func Middleware(handler http.Handler, allowedSubnets []string) (http.Handler, error) {
	if len(allowedSubnets) == 0 {
		return handler, nil
	}

	xffmw, err := xff.New(xff.Options{AllowedSubnets: allowedSubnets})
	if err != nil {
		return nil, errors.Errorf("create forward for handler: %v", err)
	}

	return xffmw.Handler(handler), nil
}

// MiddlewareFromUnparsed is a convenience that combines Parse and Middleware.
func MiddlewareFromUnparsed(handler http.Handler, trustedProxies string) (http.Handler, error) {
	allowedSubnets, err := Parse(trustedProxies)
	if err != nil {
		return nil, err
	}
	return Middleware(handler, allowedSubnets)
}
