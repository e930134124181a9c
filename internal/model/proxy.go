package model

import (
	"fmt"
	"time"
)

// ProxyScheme is the protocol spoken to the proxy itself.
type ProxyScheme string

const (
	SchemeHTTP   ProxyScheme = "http"
	SchemeHTTPS  ProxyScheme = "https"
	SchemeSOCKS5 ProxyScheme = "socks5"
)

// ProxyHealth is the pool's view of an endpoint.
//
// Transitions:
//   healthy  --failure--> degraded
//   degraded --failure--> degraded, until consecutive failures reach the
//                         configured threshold, then dead
//   any      --success--> healthy (failure count reset)
type ProxyHealth int

const (
	Healthy ProxyHealth = iota
	Degraded
	Dead
)

func (h ProxyHealth) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ProxyEndpoint is one upstream proxy. Host/Port/Scheme/credentials/Region
// come from configuration; the health fields are owned by the proxy pool.
type ProxyEndpoint struct {
	Host     string
	Port     int
	Scheme   ProxyScheme // http, https or socks5
	Username string
	Password string
	Region   string // optional geographic tag, e.g. "US"

	Health              ProxyHealth
	ConsecutiveFailures int
	LastChecked         time.Time
}

// Key uniquely identifies an endpoint inside a pool.
func (p ProxyEndpoint) Key() string {
	return fmt.Sprintf("%s://%s:%d", p.Scheme, p.Host, p.Port)
}

// Addr returns the host:port dial address.
func (p ProxyEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}
