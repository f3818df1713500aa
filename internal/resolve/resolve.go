// Package resolve resolves an AT Protocol handle to its DID, trying the
// DNS TXT method before falling back to the HTTPS well-known method.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ErrHandleResolutionFailed is returned when neither resolution method
// produces exactly one valid DID.
var ErrHandleResolutionFailed = errors.New("resolve: handle resolution failed")

// httpClient is used for the HTTPS well-known fallback.
var httpClient = &http.Client{Timeout: 10 * time.Second}

// Handle resolves handle to its did:plc or did:web DID, per
// https://atproto.com/specs/handle: DNS TXT lookup of
// "_atproto.<handle>." first, then an HTTPS GET of
// "https://<handle>/.well-known/atproto-did" requiring a
// "text/plain" Content-Type.
func Handle(ctx context.Context, handle string) (string, error) {
	if did, ok := resolveDNSTXT(ctx, handle); ok {
		return did, nil
	}
	if did, ok := resolveWellKnown(ctx, handle); ok {
		return did, nil
	}
	return "", fmt.Errorf("%w: %s", ErrHandleResolutionFailed, handle)
}

func resolveDNSTXT(ctx context.Context, handle string) (string, bool) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return "", false
	}
	server := net.JoinHostPort(cfg.Servers[0], cfg.Port)

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("_atproto."+handle), dns.TypeTXT)

	c := new(dns.Client)
	resp, _, err := c.ExchangeContext(ctx, m, server)
	if err != nil || resp == nil {
		return "", false
	}

	var found string
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			did, ok := strings.CutPrefix(s, "did=")
			if !ok || !looksLikeDID(did) {
				continue
			}
			// Multiple distinct valid records means resolution is
			// ambiguous and must fail.
			if found != "" && found != did {
				return "", false
			}
			found = did
		}
	}
	return found, found != ""
}

func resolveWellKnown(ctx context.Context, handle string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		"https://"+handle+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", false
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if err != nil {
		return "", false
	}
	did := strings.TrimSpace(string(body))
	if !looksLikeDID(did) {
		return "", false
	}
	return did, true
}

func looksLikeDID(s string) bool {
	return strings.HasPrefix(s, "did:") && len(strings.SplitN(s, ":", 3)) == 3
}
