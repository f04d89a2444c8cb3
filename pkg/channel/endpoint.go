package channel

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultDevProxyPort is the port the frontend dev server listens on. Its proxy cannot carry the push channel.
	DefaultDevProxyPort = 3000
	// DefaultBackendPort is where the backend listens when the page is served by the dev server.
	DefaultBackendPort = 4000

	Path = "/websocket"
)

// Endpoint derives the push channel url from the url the page was loaded from. The scheme is wss only for https
// pages, the host is kept and the port is kept unless it is devProxyPort, in which case backendPort is used.
func Endpoint(page *url.URL, devProxyPort, backendPort int) (*url.URL, error) {
	if page == nil || page.Hostname() == "" {
		return nil, fmt.Errorf("page url has no host")
	}

	scheme := "ws"
	if strings.EqualFold(page.Scheme, "https") {
		scheme = "wss"
	}

	host := page.Hostname()
	port := page.Port()
	if p, err := strconv.Atoi(port); err == nil && p == devProxyPort {
		port = strconv.Itoa(backendPort)
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	return &url.URL{Scheme: scheme, Host: host, Path: Path}, nil
}
