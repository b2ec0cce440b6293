// Package endpoint derives WebSocket and health-probe URLs from the host
// the client is running against.
package endpoint

import (
	"net/url"
	"strconv"
	"strings"
)

// HostKind classifies where the backend is reachable.
type HostKind int

const (
	// HostLocal is a developer machine: plain ws against localhost.
	HostLocal HostKind = iota
	// HostTunnel is a forwarding tunnel in front of a local backend.
	HostTunnel
	// HostProduction is a deployed backend behind TLS.
	HostProduction
)

func (k HostKind) String() string {
	switch k {
	case HostLocal:
		return "local"
	case HostTunnel:
		return "tunnel"
	case HostProduction:
		return "production"
	default:
		return "unknown"
	}
}

// tunnelSuffixes are the forwarding domains used during development.
var tunnelSuffixes = []string{
	".ngrok.io",
	".ngrok-free.app",
	".trycloudflare.com",
	".loca.lt",
	".devtunnels.ms",
}

// Classify reports what kind of host the client is served from. The host
// may include a port.
func Classify(host string) HostKind {
	h := host
	if i := strings.LastIndex(h, ":"); i >= 0 && !strings.Contains(h, "]") {
		h = h[:i]
	}
	h = strings.Trim(h, "[]")

	switch {
	case h == "localhost" || h == "127.0.0.1" || h == "::1" || h == "0.0.0.0":
		return HostLocal
	case strings.HasSuffix(h, ".local"):
		return HostLocal
	}
	for _, suffix := range tunnelSuffixes {
		if strings.HasSuffix(h, suffix) {
			return HostTunnel
		}
	}
	return HostProduction
}

// Config describes one endpoint to resolve.
type Config struct {
	// Host is the host the client was loaded from, possibly with a port.
	Host string
	// Port is the backend port used for local hosts.
	Port int
	// Path is the WebSocket route, e.g. "/ws/shell".
	Path string
	// Override, when non-empty, is used verbatim as the base URL and wins
	// over any classification. Typically sourced from AGENT_WS_URL.
	Override string
	// SessionID, when known, is appended as ?session=<id> so the server
	// resumes the existing backend session instead of starting fresh.
	SessionID string
}

// Resolve builds the WebSocket URL for cfg.
//
// Local hosts get ws://localhost:<port><path>; everything remote is assumed
// to sit behind TLS and gets wss://<host><path>. An explicit override
// always wins.
func Resolve(cfg Config) string {
	base := cfg.Override
	if base == "" {
		switch Classify(cfg.Host) {
		case HostLocal:
			base = "ws://localhost:" + strconv.Itoa(cfg.Port) + cfg.Path
		default:
			base = "wss://" + hostOnly(cfg.Host) + cfg.Path
		}
	}

	if cfg.SessionID == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "session=" + url.QueryEscape(cfg.SessionID)
}

// HealthURL derives the advisory HTTP health endpoint from a WebSocket URL:
// ws -> http, wss -> https, path replaced with /health.
func HealthURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String()
}

// hostOnly strips any port from a host, preserving IPv6 brackets.
func hostOnly(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i >= 0 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}
