package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Relay is one relay seen on the local network.
type Relay struct {
	Instance  string
	HostName  string
	Port      int
	Version   int
	Path      string
	Addresses []string
}

// URL returns the relay's signaling base URL, preferring IPv4.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port)) + r.Path
}

// FindRelay browses for relays and returns the first compatible one.
func FindRelay(ctx context.Context, config Config) (Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return Relay{}, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return Relay{}, err
	}

	for {
		select {
		case <-scanCtx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return Relay{}, ctx.Err()
			}
			return Relay{}, ErrNoRelay
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if entry == nil {
				continue
			}
			relay, ok := parseEntry(entry, cfg.Version)
			if ok {
				return relay, nil
			}
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, wantVersion int) (Relay, bool) {
	txt := txtToMap(entry.Text)

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}
	if version != wantVersion || entry.Port <= 0 {
		return Relay{}, false
	}

	path := txt["path"]
	if path == "" {
		path = DefaultPath
	}

	// IPv4 first; the list order decides which address URL uses.
	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, group := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		batch := make([]string, 0, len(group))
		for _, ip := range group {
			if ip == nil {
				continue
			}
			raw := ip.String()
			if _, exists := seen[raw]; exists {
				continue
			}
			seen[raw] = struct{}{}
			batch = append(batch, raw)
		}
		sort.Strings(batch)
		addresses = append(addresses, batch...)
	}
	if len(addresses) == 0 && strings.TrimSpace(entry.HostName) == "" {
		return Relay{}, false
	}

	return Relay{
		Instance:  strings.TrimSpace(entry.Instance),
		HostName:  entry.HostName,
		Port:      entry.Port,
		Version:   version,
		Path:      path,
		Addresses: addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
