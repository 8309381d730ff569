package apiclient

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
)

// ProxyConfig describes an HTTP proxy. HTTPS targets are tunneled with CONNECT.
type ProxyConfig struct {
	Host string
	Port int
	// Protocol of the proxy itself, "http" when empty.
	Protocol string
	Auth     *BasicAuth
	// UserAgent overrides the default User-Agent header when set.
	UserAgent string
}

func (p *ProxyConfig) validate() []string {
	var problems []string
	if strings.TrimSpace(p.Host) == "" {
		problems = append(problems, "proxy host is required")
	}
	if p.Port <= 0 || p.Port > 65535 {
		problems = append(problems, "proxy port must be in 1..65535, got "+strconv.Itoa(p.Port))
	}
	switch p.scheme() {
	case "http", "https":
	default:
		problems = append(problems, "proxy protocol must be http or https, got "+p.Protocol)
	}
	return problems
}

func (p *ProxyConfig) scheme() string {
	if p.Protocol == "" {
		return "http"
	}
	return strings.ToLower(p.Protocol)
}

func (p *ProxyConfig) url() *url.URL {
	u := &url.URL{
		Scheme: p.scheme(),
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Auth != nil {
		u.User = url.UserPassword(p.Auth.Username, p.Auth.Password)
	}
	return u
}

// newHTTPClient builds the transport for a validated config.
func newHTTPClient(cfg *config) (*http.Client, error) {
	if cfg.httpClient != nil {
		return cfg.httpClient, nil
	}

	hc := &http.Client{}

	if cfg.proxy != nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.Proxy = http.ProxyURL(cfg.proxy.url())
		if cfg.proxy.UserAgent != "" {
			tr.ProxyConnectHeader = http.Header{"User-Agent": []string{cfg.proxy.UserAgent}}
		}
		hc.Transport = tr
	}

	if cfg.withCredentials {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}

	return hc, nil
}
