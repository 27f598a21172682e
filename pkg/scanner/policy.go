package scanner

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"github.com/fulmenhq/gemaudit/pkg/manifest"
)

// SourcePolicy decides whether a dependency source is insecure.
type SourcePolicy interface {
	Insecure(ctx context.Context, source manifest.Source) (bool, error)
}

// SchemePolicy flags sources fetched over unencrypted transports.
//
// Git and registry sources using http:// or git:// are insecure unless their
// host is trusted. Loopback hosts are always trusted. https, ssh, file and
// path sources are secure.
type SchemePolicy struct {
	TrustedHosts []string
}

// NewSchemePolicy builds a policy trusting the hosts of the given registry
// URLs or bare host names.
func NewSchemePolicy(trusted ...string) *SchemePolicy {
	p := &SchemePolicy{}
	for _, entry := range trusted {
		if host := hostOf(entry); host != "" {
			p.TrustedHosts = append(p.TrustedHosts, host)
		}
	}
	return p
}

func (p *SchemePolicy) Insecure(_ context.Context, source manifest.Source) (bool, error) {
	if source.Type == manifest.SourcePath || source.URI == "" {
		return false, nil
	}
	scheme, host := splitURI(source.URI)
	switch scheme {
	case "http", "git":
	default:
		return false, nil
	}
	if isLoopback(host) {
		return false, nil
	}
	return !slices.Contains(p.TrustedHosts, host), nil
}

// splitURI returns the lower-cased scheme and host of uri. scp-style git
// remotes (git@host:path) report the ssh scheme.
func splitURI(uri string) (string, string) {
	if !strings.Contains(uri, "://") {
		if at := strings.Index(uri, "@"); at >= 0 && strings.Contains(uri[at:], ":") {
			return "ssh", strings.ToLower(strings.SplitN(uri[at+1:], ":", 2)[0])
		}
		return "", ""
	}
	u, err := url.Parse(uri)
	if err != nil {
		scheme, _, _ := strings.Cut(uri, "://")
		return strings.ToLower(scheme), ""
	}
	return strings.ToLower(u.Scheme), strings.ToLower(u.Hostname())
}

func hostOf(entry string) string {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return ""
	}
	if strings.Contains(entry, "://") {
		_, host := splitURI(entry)
		return host
	}
	host, _, _ := strings.Cut(entry, "/")
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	return strings.ToLower(host)
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasSuffix(host, ".localhost")
}
