// Package proxy maps users to stable upstream egress proxies. Assignment is a
// pure function of the user id so the same account always exits through the
// same IP, without any shared state between processes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
)

// Provider kinds understood by the assigner.
const (
	// ProviderRanged exposes a contiguous port range where each port is a
	// distinct sticky upstream (residential gateway style).
	ProviderRanged = "ranged"
	// ProviderEndpoint is a single fixed host:port endpoint.
	ProviderEndpoint = "endpoint"
)

// ErrMissingCredentials indicates a provider was configured without the
// username/password it requires. Configuration errors fail fast at the point
// of use rather than silently degrading to unproxied traffic.
var ErrMissingCredentials = errors.New("proxy: provider configured without credentials")

// ErrMissingHost indicates a provider was configured without the gateway
// address it formats URLs against.
var ErrMissingHost = errors.New("proxy: provider configured without a host")

// PoolLookup is an external proxy-pool collaborator consulted when no
// provider is configured. An empty result means "no proxy".
type PoolLookup interface {
	Lookup(ctx context.Context, userID string) (string, error)
}

// Config describes the upstream proxy provider.
type Config struct {
	Provider  string
	Username  string
	Password  string
	Host      string
	PortStart int
	PortEnd   int
	Endpoint  string // host:port, for ProviderEndpoint
}

// Assigner resolves a proxy URL for a user. An empty URL is a valid result
// and means the caller should proceed without proxying.
type Assigner struct {
	cfg  Config
	pool PoolLookup
}

func NewAssigner(cfg Config, pool PoolLookup) *Assigner {
	return &Assigner{cfg: cfg, pool: pool}
}

// Assign returns the proxy URL for userID, or "" when no proxy applies.
func (a *Assigner) Assign(ctx context.Context, userID string) (string, error) {
	switch a.cfg.Provider {
	case ProviderRanged:
		if a.cfg.Username == "" || a.cfg.Password == "" {
			return "", ErrMissingCredentials
		}
		if a.cfg.Host == "" {
			return "", ErrMissingHost
		}
		port, err := a.portFor(userID)
		if err != nil {
			return "", err
		}
		return a.formatURL(a.cfg.Host, port), nil

	case ProviderEndpoint:
		if a.cfg.Username == "" || a.cfg.Password == "" {
			return "", ErrMissingCredentials
		}
		if a.cfg.Endpoint == "" {
			return "", ErrMissingHost
		}
		return fmt.Sprintf("http://%s:%s@%s",
			url.QueryEscape(a.cfg.Username), url.QueryEscape(a.cfg.Password), a.cfg.Endpoint), nil

	case "":
		if a.pool != nil {
			return a.pool.Lookup(ctx, userID)
		}
		return "", nil

	default:
		return "", fmt.Errorf("proxy: unknown provider %q", a.cfg.Provider)
	}
}

// portFor reduces a deterministic hash of the user id into the configured
// range, so the mapping survives restarts with no external state.
func (a *Assigner) portFor(userID string) (int, error) {
	size := a.cfg.PortEnd - a.cfg.PortStart + 1
	if size <= 0 {
		return 0, fmt.Errorf("proxy: invalid port range %d-%d", a.cfg.PortStart, a.cfg.PortEnd)
	}
	return a.cfg.PortStart + int(hashKey(userID)%uint32(size)), nil
}

func (a *Assigner) formatURL(host string, port int) string {
	return fmt.Sprintf("http://%s:%s@%s:%d",
		url.QueryEscape(a.cfg.Username), url.QueryEscape(a.cfg.Password), host, port)
}

// hashKey is shared with the runtime adapter's port picker so both derive
// stable per-key choices the same way.
func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// HashPort is the deterministic range pick used for both proxy ports and
// published sandbox ports.
func HashPort(key string, start, end int) int {
	if end < start {
		return start
	}
	return start + int(hashKey(key)%uint32(end-start+1))
}
