package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/August26/stealthfetch-go/internal/model"
)

// LoadFromFile reads a proxy list file line by line. Each line holds one
// endpoint:
//
//	[scheme://]ip:port[:username:password] [region]
//	[scheme://]username:password@ip:port   [region]
//
// scheme is http, https or socks5 and defaults to http. The optional
// region is a whitespace-separated trailing token. Empty lines and lines
// starting with '#' are ignored, as are lines that fail to parse.
func LoadFromFile(path string) ([]model.ProxyEndpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads proxy lines from r. Same format as LoadFromFile.
func Parse(r io.Reader) ([]model.ProxyEndpoint, error) {
	var out []model.ProxyEndpoint
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		ep, err := ParseLine(line)
		if err != nil {
			// Skip invalid lines; one bad entry should not sink the list.
			continue
		}
		out = append(out, ep)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan proxy file: %w", err)
	}
	return out, nil
}

// ParseLine parses a single proxy line into a ProxyEndpoint.
func ParseLine(line string) (model.ProxyEndpoint, error) {
	ep := model.ProxyEndpoint{Scheme: model.SchemeHTTP}

	// Optional trailing region token.
	if fields := strings.Fields(line); len(fields) == 2 {
		line = fields[0]
		ep.Region = strings.ToUpper(fields[1])
	} else if len(fields) != 1 {
		return model.ProxyEndpoint{}, fmt.Errorf("unrecognized proxy line: %q", line)
	}

	if scheme, rest, ok := strings.Cut(line, "://"); ok {
		switch model.ProxyScheme(strings.ToLower(scheme)) {
		case model.SchemeHTTP:
			ep.Scheme = model.SchemeHTTP
		case model.SchemeHTTPS:
			ep.Scheme = model.SchemeHTTPS
		case model.SchemeSOCKS5:
			ep.Scheme = model.SchemeSOCKS5
		default:
			return model.ProxyEndpoint{}, fmt.Errorf("unsupported proxy scheme %q", scheme)
		}
		line = rest
	}

	// user:pass@ip:port
	if auth, hostport, ok := strings.Cut(line, "@"); ok {
		user, pass, err := splitUserPass(auth)
		if err != nil {
			return model.ProxyEndpoint{}, err
		}
		host, port, err := splitHostPort(hostport)
		if err != nil {
			return model.ProxyEndpoint{}, err
		}
		ep.Host = host
		ep.Port = port
		ep.Username = user
		ep.Password = pass
		return ep, nil
	}

	// No "@", so either ip:port or ip:port:user:pass.
	col := strings.Split(line, ":")
	switch len(col) {
	case 2:
		port, err := strconv.Atoi(col[1])
		if err != nil {
			return model.ProxyEndpoint{}, fmt.Errorf("invalid port in %q", line)
		}
		ep.Host = col[0]
		ep.Port = port
		return ep, nil

	case 4:
		port, err := strconv.Atoi(col[1])
		if err != nil {
			return model.ProxyEndpoint{}, fmt.Errorf("invalid port in %q", line)
		}
		ep.Host = col[0]
		ep.Port = port
		ep.Username = col[2]
		ep.Password = col[3]
		return ep, nil

	default:
		return model.ProxyEndpoint{}, fmt.Errorf("unrecognized proxy format: %q", line)
	}
}

func splitUserPass(s string) (string, string, error) {
	user, pass, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid auth (expected user:pass): %q", s)
	}
	return user, pass, nil
}

func splitHostPort(s string) (string, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid host:port: %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", parts[1])
	}
	return parts[0], port, nil
}
