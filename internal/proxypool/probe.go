package proxypool

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/August26/stealthfetch-go/internal/model"
)

// defaultProbe is a light liveness check used by the re-probe loop. For
// SOCKS5 endpoints it runs the greeting (and auth subnegotiation when
// credentials are set); for HTTP(S) endpoints a successful TCP dial is
// enough — a CONNECT round-trip would burn a request against the upstream.
func defaultProbe(ctx context.Context, ep model.ProxyEndpoint) bool {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return false
	}
	defer conn.Close()

	if ep.Scheme != model.SchemeSOCKS5 {
		return true
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return socks5Greet(conn, ep.Username, ep.Password)
}

// socks5Greet performs the SOCKS5 method negotiation:
//   0x00 = no auth
//   0x02 = username/password (RFC 1929)
func socks5Greet(conn net.Conn, username, password string) bool {
	methods := []byte{0x00}
	useAuth := false
	if username != "" || password != "" {
		methods = append(methods, 0x02)
		useAuth = true
	}

	req := []byte{0x05, byte(len(methods))}
	req = append(req, methods...)
	if _, err := conn.Write(req); err != nil {
		return false
	}

	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return false
	}
	if buf[0] != 0x05 {
		return false
	}

	switch buf[1] {
	case 0x00:
		return true
	case 0x02:
		if !useAuth {
			return false
		}
		return socks5UserPassAuth(conn, username, password) == nil
	default:
		// proxy requested a method we don't support
		return false
	}
}

func socks5UserPassAuth(conn net.Conn, username, password string) error {
	// auth packet: VER=0x01, ULEN, U, PLEN, P
	ulen := len(username)
	plen := len(password)
	if ulen > 255 || plen > 255 {
		return errors.New("username/password too long for socks5 auth")
	}
	req := []byte{
		0x01,
		byte(ulen),
	}
	req = append(req, []byte(username)...)
	req = append(req, byte(plen))
	req = append(req, []byte(password)...)

	if _, err := conn.Write(req); err != nil {
		return err
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[0] != 0x01 {
		return errors.New("invalid auth response version")
	}
	if resp[1] != 0x00 {
		return errors.New("socks5 auth failed")
	}
	return nil
}
