package identity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"bottle-gateway/internal/command"
	"bottle-gateway/internal/config"

	"go.uber.org/zap"
)

// ErrUnresolved: the peer is not in the neighbour table and has no IPv4
// address to derive a stand-in identity from.
var ErrUnresolved = errors.New("device identity unresolved")

// Identity is the hardware address sessions are bound to.
type Identity struct {
	MAC string `json:"mac"`
	IP  string `json:"ip"`
	// Synthesized is set when MAC was derived from the IPv4 address because
	// no neighbour entry existed.
	Synthesized bool `json:"synthesized"`
}

// NormalizeMAC returns mac as lowercase colon-separated octets.
func NormalizeMAC(mac string) (string, bool) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil || len(hw) != 6 {
		return "", false
	}
	return hw.String(), true
}

// ValidMAC reports whether mac is a usable unicast device address.
func ValidMAC(mac string) bool {
	n, ok := NormalizeMAC(mac)
	if !ok {
		return false
	}
	return n != "00:00:00:00:00:00" && n != "ff:ff:ff:ff:ff:ff"
}

// Synthesize derives a locally administered address 02:00:a:b:c:d from an
// IPv4 address.
func Synthesize(ip net.IP) (string, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return "", false
	}
	return fmt.Sprintf("02:00:%02x:%02x:%02x:%02x", v4[0], v4[1], v4[2], v4[3]), true
}

// ============================
// Resolver
// ============================

type Resolver struct {
	arpTable string
	neigh    []string
	run      command.Runner
	log      *zap.Logger
}

type Option func(*Resolver)

func WithRunner(run command.Runner) Option {
	return func(r *Resolver) { r.run = run }
}

func NewResolver(cfg config.Identity, lg *zap.Logger, opts ...Option) *Resolver {
	if lg == nil {
		lg = zap.NewNop()
	}
	r := &Resolver{
		arpTable: cfg.ARPTable,
		neigh:    cfg.IPNeigh,
		run:      command.Exec,
		log:      lg,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve maps a peer address to its hardware identity:
// kernel ARP table, then the neighbour command, then the synthesized fallback.
func (r *Resolver) Resolve(ctx context.Context, ip string) (Identity, error) {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return Identity{}, fmt.Errorf("%w: bad address %q", ErrUnresolved, ip)
	}
	ip = parsed.String()

	if mac, ok := r.fromARPTable(ip); ok {
		return Identity{MAC: mac, IP: ip}, nil
	}
	if mac, ok := r.fromNeigh(ctx, ip); ok {
		return Identity{MAC: mac, IP: ip}, nil
	}

	mac, ok := Synthesize(parsed)
	if !ok {
		r.log.Warn("[IDENTITY] unresolved peer", zap.String("ip", ip))
		return Identity{}, fmt.Errorf("%w: %s", ErrUnresolved, ip)
	}
	r.log.Warn("[IDENTITY] no neighbour entry, using synthesized identity",
		zap.String("ip", ip),
		zap.String("mac", mac),
	)
	return Identity{MAC: mac, IP: ip, Synthesized: true}, nil
}

func (r *Resolver) fromARPTable(ip string) (string, bool) {
	if r.arpTable == "" {
		return "", false
	}
	f, err := os.Open(r.arpTable)
	if err != nil {
		r.log.Debug("[IDENTITY] arp table unavailable", zap.Error(err))
		return "", false
	}
	defer f.Close()
	return lookupARP(f, ip)
}

// lookupARP scans /proc/net/arp:
//
//	IP address  HW type  Flags  HW address  Mask  Device
func lookupARP(rd io.Reader, ip string) (string, bool) {
	sc := bufio.NewScanner(rd)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] != ip {
			continue
		}
		// 0x0 marks an incomplete entry
		if fields[2] == "0x0" {
			continue
		}
		if mac, ok := NormalizeMAC(fields[3]); ok && ValidMAC(mac) {
			return mac, true
		}
	}
	return "", false
}

func (r *Resolver) fromNeigh(ctx context.Context, ip string) (string, bool) {
	if len(r.neigh) == 0 {
		return "", false
	}
	out, err := r.run(ctx, command.WithArgs(r.neigh, ip))
	if err != nil {
		r.log.Debug("[IDENTITY] neighbour lookup failed", zap.String("ip", ip), zap.Error(err))
		return "", false
	}
	return parseNeigh(string(out), ip)
}

// parseNeigh reads `ip neigh show` output:
//
//	10.6.6.23 dev wlan0 lladdr aa:bb:cc:dd:ee:ff REACHABLE
func parseNeigh(out, ip string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != ip {
			continue
		}
		for i := 1; i+1 < len(fields); i++ {
			if fields[i] != "lladdr" {
				continue
			}
			if mac, ok := NormalizeMAC(fields[i+1]); ok && ValidMAC(mac) {
				return mac, true
			}
		}
	}
	return "", false
}
