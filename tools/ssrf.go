package tools

import (
	"net"
	"net/url"
	"strings"

	"github.com/rohanthewiz/serr"
)

// ValidateOutboundURL rejects targets an outbound HTTP tool must never
// reach: non-http schemes, URLs embedding credentials, and hosts on
// loopback, private, or link-local networks (including cloud metadata
// endpoints). It runs before the permission gate so a blocked target
// never reaches policy.
func ValidateOutboundURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, serr.Wrap(err, "invalid URL: "+raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, serr.F("URL scheme %q is not allowed, only http and https", parsed.Scheme)
	}
	if parsed.User != nil {
		return nil, serr.New("URL must not embed credentials: " + parsed.Host)
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, serr.New("URL has no host: " + raw)
	}

	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" ||
		strings.HasSuffix(lower, ".localhost") ||
		strings.HasSuffix(lower, ".internal") ||
		strings.HasSuffix(lower, ".local") {
		return nil, serr.F("host %s resolves to an internal network", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return nil, serr.F("IP address %s is in a blocked range", host)
		}
		return parsed, nil
	}

	// Resolve the hostname and reject if ANY answer lands in a blocked
	// range, so split-horizon records cannot smuggle a private target.
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil, serr.Wrap(err, "failed to resolve host: "+host)
	}
	for _, addr := range addrs {
		if isForbiddenIP(addr) {
			return nil, serr.F("host %s resolves to blocked address %s", host, addr.String())
		}
	}
	return parsed, nil
}

// isForbiddenIP reports whether an address belongs to a range outbound
// tool traffic must never touch.
func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() || // includes 169.254.169.254 metadata endpoints
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// sensitiveHeaders are redacted in any echoed-back header output.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"cookie":        true,
	"set-cookie":    true,
}

// RedactHeaders returns a copy of headers with secret-bearing values
// replaced, safe to include in tool output.
func RedactHeaders(headers map[string][]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if sensitiveHeaders[strings.ToLower(name)] {
			out[name] = "[redacted]"
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
