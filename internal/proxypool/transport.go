package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/August26/stealthfetch-go/internal/model"
)

type cachedTransport struct {
	once sync.Once
	rt   http.RoundTripper
	err  error
}

// TransportFor returns a RoundTripper routing through the given endpoint.
// Transports are built once per endpoint key and cached so connection pools
// are reused across attempts.
func (p *Pool) TransportFor(ep model.ProxyEndpoint) (http.RoundTripper, error) {
	p.tmu.Lock()
	ct, ok := p.transports[ep.Key()]
	if !ok {
		ct = &cachedTransport{}
		p.transports[ep.Key()] = ct
	}
	p.tmu.Unlock()

	ct.once.Do(func() {
		ct.rt, ct.err = buildTransport(ep)
	})
	return ct.rt, ct.err
}

func buildTransport(ep model.ProxyEndpoint) (http.RoundTripper, error) {
	switch ep.Scheme {
	case model.SchemeSOCKS5:
		return buildSOCKS5Transport(ep)
	case model.SchemeHTTP, model.SchemeHTTPS:
		return buildConnectTransport(ep)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %q", ep.Scheme)
	}
}

// buildConnectTransport builds a transport tunneling through an HTTP(S)
// CONNECT proxy.
func buildConnectTransport(ep model.ProxyEndpoint) (*http.Transport, error) {
	u := &url.URL{
		Scheme: string(ep.Scheme),
		Host:   ep.Addr(),
	}
	if ep.Username != "" || ep.Password != "" {
		u.User = url.UserPassword(ep.Username, ep.Password)
	}

	return &http.Transport{
		Proxy: http.ProxyURL(u),
		// Base dial timeout; the per-request context still dominates.
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}, nil
}

// buildSOCKS5Transport builds a transport whose TCP connections are
// established through a SOCKS5 proxy.
func buildSOCKS5Transport(ep model.ProxyEndpoint) (*http.Transport, error) {
	var auth *proxy.Auth
	if ep.Username != "" || ep.Password != "" {
		auth = &proxy.Auth{
			User:     ep.Username,
			Password: ep.Password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", ep.Addr(), auth, &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	// x/net/proxy dialers expose Dial, not DialContext; wrap to satisfy
	// http.Transport.
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		type contextDialer interface {
			DialContext(ctx context.Context, network, address string) (net.Conn, error)
		}
		if cd, ok := dialer.(contextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		type plainDialer interface {
			Dial(network, address string) (net.Conn, error)
		}
		if pd, ok := dialer.(plainDialer); ok {
			return pd.Dial(network, addr)
		}
		return nil, errors.New("socks5 dialer does not implement Dial")
	}

	return &http.Transport{
		DialContext:           dialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}, nil
}
