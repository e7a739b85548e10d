// Package util provides small helpers shared across the dashboard service.
package util

import (
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy configures the HTTP client's transport to route traffic through
// the given egress proxy URL. Supports socks5:// and http(s):// schemes;
// an empty or unparsable URL leaves the client untouched.
func SetProxy(proxyURL string, client *http.Client) *http.Client {
	if proxyURL == "" {
		return client
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Warnf("ignoring invalid proxy url: %v", err)
		return client
	}
	switch parsed.Scheme {
	case "socks5", "socks5h":
		dialer, errDialer := proxy.FromURL(parsed, proxy.Direct)
		if errDialer != nil {
			log.Warnf("failed to build socks5 dialer: %v", errDialer)
			return client
		}
		transport := &http.Transport{}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.Dial = dialer.Dial
		}
		client.Transport = transport
	case "http", "https":
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Warnf("unsupported proxy scheme %q, using direct connection", parsed.Scheme)
	}
	return client
}
