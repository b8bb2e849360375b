package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	upnp "github.com/NebulousLabs/go-upnp"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// NATTraversal is a technique for forwarding the peer listening port
// through a NAT gateway so remote counterparties can dial in, in the shape
// of the teacher's nat.Traversal: discover a device, add/remove mappings,
// report the external IP.
type NATTraversal interface {
	// ExternalIP returns the gateway's public-facing address.
	ExternalIP() (net.IP, error)

	// AddPortMapping forwards external port -> this host's same port.
	AddPortMapping(port uint16) error

	// DeletePortMapping removes a previously added forwarding rule.
	DeletePortMapping(port uint16) error

	// Name identifies the technique for logging.
	Name() string
}

// natDiscoveryTimeout bounds the local-network probe for a UPnP or NAT-PMP
// capable gateway.
const natDiscoveryTimeout = 10 * time.Second

// DiscoverUPnP probes the local network for a UPnP-enabled gateway.
func DiscoverUPnP(ctx context.Context) (NATTraversal, error) {
	ctx, cancel := context.WithTimeout(ctx, natDiscoveryTimeout)
	defer cancel()

	igd, err := upnp.DiscoverCtx(ctx)
	if err != nil {
		return nil, err
	}
	return &upnpTraversal{igd: igd}, nil
}

type upnpTraversal struct {
	igd *upnp.IGD
}

func (u *upnpTraversal) Name() string { return "UPnP" }

func (u *upnpTraversal) ExternalIP() (net.IP, error) {
	raw, err := u.igd.ExternalIP()
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("UPnP gateway returned unparseable external IP %q", raw)
	}
	return ip, nil
}

func (u *upnpTraversal) AddPortMapping(port uint16) error {
	return u.igd.Forward(port, "dlcd")
}

func (u *upnpTraversal) DeletePortMapping(port uint16) error {
	return u.igd.Clear(port)
}

// DiscoverPMP locates the default gateway and checks it answers NAT-PMP,
// the fallback when no UPnP device responds.
func DiscoverPMP() (NATTraversal, error) {
	gatewayIP, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, err
	}

	client := natpmp.NewClient(gatewayIP)
	// An external-address query doubles as the liveness probe.
	if _, err := client.GetExternalAddress(); err != nil {
		return nil, err
	}
	return &pmpTraversal{client: client}, nil
}

type pmpTraversal struct {
	client *natpmp.Client
}

func (p *pmpTraversal) Name() string { return "NAT-PMP" }

func (p *pmpTraversal) ExternalIP() (net.IP, error) {
	resp, err := p.client.GetExternalAddress()
	if err != nil {
		return nil, err
	}
	return net.IPv4(
		resp.ExternalIPAddress[0], resp.ExternalIPAddress[1],
		resp.ExternalIPAddress[2], resp.ExternalIPAddress[3],
	), nil
}

// pmpMappingLifetime is the seconds a NAT-PMP mapping stays valid; the
// gateway expires it on its own, so a crashed dlcd leaves no stale rule.
const pmpMappingLifetime = 3600

func (p *pmpTraversal) AddPortMapping(port uint16) error {
	_, err := p.client.AddPortMapping("tcp", int(port), int(port), pmpMappingLifetime)
	return err
}

func (p *pmpTraversal) DeletePortMapping(port uint16) error {
	// NAT-PMP deletes a mapping by re-requesting it with a zero lifetime.
	_, err := p.client.AddPortMapping("tcp", int(port), 0, 0)
	return err
}
