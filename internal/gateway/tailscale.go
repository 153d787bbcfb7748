// ABOUTME: Optional Tailscale listeners so the gateway can join a tailnet via tsnet.
// ABOUTME: Clients reach :80 and controllers reach :8081 on the node's tailnet address.

package gateway

import (
	"context"
	"fmt"
	"net"
	"os"

	"tailscale.com/tsnet"

	"github.com/2389/browser-gateway/internal/config"
)

// Ports opened on the tailnet node, in the order setupTailscaleListeners returns them.
var tailnetPorts = []struct {
	name string
	addr string
}{
	{name: "client", addr: ":80"},
	{name: "controller", addr: ":8081"},
}

// setupTailscaleListeners joins the tailnet and listens for clients and controllers there.
// server.http_addr and server.controller_addr do not apply on this path.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, ctrlLn net.Listener, err error) {
	if addrs := g.config.Server; addrs.HTTPAddr != "" || addrs.ControllerAddr != "" {
		g.logger.Warn("ignoring server addresses, tailscale is enabled",
			"http_addr", addrs.HTTPAddr,
			"controller_addr", addrs.ControllerAddr,
		)
	}

	node, err := g.config.Tailscale.Node(config.DataPath(), os.Getenv)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(node.StateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	srv := &tsnet.Server{
		Hostname:  node.Hostname,
		Dir:       node.StateDir,
		Ephemeral: node.Ephemeral,
		AuthKey:   node.AuthKey,
	}
	g.logger.Info("joining tailnet", "hostname", node.Hostname, "state_dir", node.StateDir, "ephemeral", node.Ephemeral)

	status, err := srv.Up(ctx)
	if err != nil {
		_ = srv.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailnet node up", "tailscale_ip", ip, "dns_name", dnsName)

	lns := make([]net.Listener, 0, len(tailnetPorts))
	for _, p := range tailnetPorts {
		ln, err := srv.Listen("tcp", p.addr)
		if err != nil {
			for _, open := range lns {
				_ = open.Close()
			}
			_ = srv.Close()
			return nil, nil, fmt.Errorf("listening for %ss on tailnet %s: %w", p.name, p.addr, err)
		}
		lns = append(lns, ln)
	}

	g.tsnetServer = srv
	return lns[0], lns[1], nil
}
