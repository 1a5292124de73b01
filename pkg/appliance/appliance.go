// Package appliance provisions and operates the network appliance: an
// isolated bridge, a router LXC doing NAT and DHCP/DNS, and the reverse
// proxy fronting every managed application.
package appliance

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roost-io/roost/pkg/config"
	"github.com/roost-io/roost/pkg/errdefs"
	"github.com/roost-io/roost/pkg/events"
	"github.com/roost-io/roost/pkg/health"
	"github.com/roost-io/roost/pkg/log"
	"github.com/roost-io/roost/pkg/pve"
	"github.com/roost-io/roost/pkg/security"
	"github.com/roost-io/roost/pkg/sshexec"
	"github.com/roost-io/roost/pkg/types"
)

const (
	managementBridge  = "vmbr0"
	applianceHostname = "roost-appliance"
	applianceCores    = 1
	applianceMemoryMB = 512
	applianceRootFSGB = 4
)

// State describes what the orchestrator could provide for a host.
type State struct {
	// Degraded means the isolated bridge or the appliance could not be
	// provisioned; applications fall back to the management bridge with
	// direct access URLs.
	Degraded bool

	// Bridge is the bridge application containers attach to.
	Bridge string

	// Node is where the appliance runs; NodeAddr is its SSH address.
	Node     string
	NodeAddr string

	// WANIP is the appliance's address on the management bridge; published
	// URLs point here.
	WANIP string
}

// Orchestrator owns the appliance lifecycle on each host. Proxy config
// writes are serialized per host.
type Orchestrator struct {
	pool   *pve.Pool
	runner sshexec.Runner
	broker *events.Broker
	cfg    *config.Config
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]*State // by host id
	locks  map[string]*sync.Mutex
}

// New builds the orchestrator.
func New(pool *pve.Pool, runner sshexec.Runner, broker *events.Broker, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		pool:   pool,
		runner: runner,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("appliance"),
		states: make(map[string]*State),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) hostLock(hostID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[hostID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[hostID] = l
	}
	return l
}

// CurrentState returns the last known state for a host, nil if the
// appliance was never ensured.
func (o *Orchestrator) CurrentState(hostID string) *State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[hostID]
}

func (o *Orchestrator) setState(hostID string, s *State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states[hostID] = s
}

// Ensure brings the appliance infrastructure up on the host, on the given
// node. Each step is idempotent; already-satisfied steps are skipped. A
// bridge failure degrades instead of failing: containers then attach to
// the management bridge and URLs become direct access.
func (o *Orchestrator) Ensure(ctx context.Context, host *types.ProxmoxHost, node, nodeAddr string) (*State, error) {
	lock := o.hostLock(host.ID)
	lock.Lock()
	defer lock.Unlock()

	logger := o.logger.With().Str("host_id", host.ID).Str("node", node).Logger()

	if err := o.ensureBridge(ctx, host, nodeAddr); err != nil {
		logger.Warn().Err(err).Msg("isolated bridge unavailable, degrading to management bridge")
		o.broker.Emit(events.EventApplianceDegraded, "", "isolated bridge unavailable: "+err.Error())
		s := &State{Degraded: true, Bridge: managementBridge, Node: node, NodeAddr: nodeAddr}
		o.setState(host.ID, s)
		return s, nil
	}

	if err := o.ensureApplianceLXC(ctx, host, node); err != nil {
		logger.Warn().Err(err).Msg("appliance container unavailable, degrading")
		o.broker.Emit(events.EventApplianceDegraded, "", "appliance container unavailable: "+err.Error())
		s := &State{Degraded: true, Bridge: managementBridge, Node: node, NodeAddr: nodeAddr}
		o.setState(host.ID, s)
		return s, nil
	}

	if err := o.configureServices(ctx, host, nodeAddr); err != nil {
		return nil, err
	}

	wanIP, err := o.verify(ctx, host, nodeAddr)
	if err != nil {
		return nil, err
	}

	s := &State{Bridge: o.cfg.ApplianceBridge, Node: node, NodeAddr: nodeAddr, WANIP: wanIP}
	o.setState(host.ID, s)
	logger.Info().Str("wan_ip", wanIP).Msg("appliance ready")
	return s, nil
}

// ensureBridge creates the isolated bridge on the node and persists it in
// the node's network configuration.
func (o *Orchestrator) ensureBridge(ctx context.Context, host *types.ProxmoxHost, nodeAddr string) error {
	bridge := o.cfg.ApplianceBridge
	check := fmt.Sprintf("ip link show %s >/dev/null 2>&1", bridge)
	res, err := o.runner.ExecOnNode(ctx, host, nodeAddr, check)
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		return nil
	}

	stanza := fmt.Sprintf(
		"auto %s\\niface %s inet manual\\n\\tbridge-ports none\\n\\tbridge-stp off\\n\\tbridge-fd 0\\n",
		bridge, bridge)
	script := strings.Join([]string{
		fmt.Sprintf("grep -q 'iface %s' /etc/network/interfaces || printf '\\n%s' >> /etc/network/interfaces", bridge, stanza),
		fmt.Sprintf("ifup %s 2>/dev/null || (ip link add name %s type bridge && ip link set %s up)", bridge, bridge, bridge),
	}, " && ")

	res, err = o.runner.ExecOnNode(ctx, host, nodeAddr, script)
	if err != nil {
		return err
	}
	return res.Err()
}

// ensureApplianceLXC finds or creates the router container on its reserved
// VMID, with a WAN NIC on the management bridge and a LAN NIC holding the
// gateway address.
func (o *Orchestrator) ensureApplianceLXC(ctx context.Context, host *types.ProxmoxHost, node string) error {
	client, err := o.pool.Get(host)
	if err != nil {
		return err
	}
	vmid := o.cfg.ApplianceVMID

	status, err := client.LXCStatus(ctx, node, vmid)
	if err == nil {
		if status.Status != "running" {
			task, err := client.StartLXC(ctx, node, vmid)
			if err != nil {
				return err
			}
			return client.WaitForTask(ctx, node, task, 2*time.Minute)
		}
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	template, err := o.findTemplate(ctx, client, node)
	if err != nil {
		return err
	}
	password, err := security.GenerateRootPassword()
	if err != nil {
		return err
	}

	task, err := client.CreateLXC(ctx, node, pve.CreateLXCSpec{
		VMID:       vmid,
		Hostname:   applianceHostname,
		OSTemplate: template,
		RootFSGB:   applianceRootFSGB,
		Cores:      applianceCores,
		MemoryMB:   applianceMemoryMB,
		SwapMB:     0,
		Password:   password,
		Bridge:     managementBridge,
		StartOnBoot: true,
		Tags:       "roost-appliance",
	})
	if err != nil {
		return err
	}
	if err := client.WaitForTask(ctx, node, task, 5*time.Minute); err != nil {
		return err
	}

	// Second NIC on the isolated bridge carrying the LAN gateway.
	gwCIDR := o.cfg.ApplianceGateway + "/24"
	err = client.UpdateLXCConfig(ctx, node, vmid, map[string]string{
		"net1": fmt.Sprintf("name=eth1,bridge=%s,ip=%s,type=veth", o.cfg.ApplianceBridge, gwCIDR),
	})
	if err != nil {
		return err
	}

	task, err = client.StartLXC(ctx, node, vmid)
	if err != nil {
		return err
	}
	if err := client.WaitForTask(ctx, node, task, 2*time.Minute); err != nil {
		return err
	}
	// Let DHCP settle on the WAN side.
	select {
	case <-time.After(10 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (o *Orchestrator) findTemplate(ctx context.Context, client pve.Client, node string) (string, error) {
	storages, err := client.ListStorages(ctx, node)
	if err != nil {
		return "", err
	}
	for _, s := range storages {
		if !s.Active || !s.SupportsTemplates() {
			continue
		}
		templates, err := client.ListTemplates(ctx, node, s.Name)
		if err != nil {
			continue
		}
		for _, t := range templates {
			if strings.Contains(t.VolID, "debian") || strings.Contains(t.VolID, "alpine") {
				return t.VolID, nil
			}
		}
	}
	return "", errdefs.New(errdefs.KindTemplateUnavailable, "no system template on node %s for the appliance", node)
}

// configureServices installs packages and writes the service configuration
// inside the appliance. Config files are written whole and diffed against
// the current content, so reruns are no-ops.
func (o *Orchestrator) configureServices(ctx context.Context, host *types.ProxmoxHost, nodeAddr string) error {
	vmid := o.cfg.ApplianceVMID

	install := "command -v dnsmasq >/dev/null && command -v nginx >/dev/null || " +
		"(apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq dnsmasq nginx iptables)"
	if err := o.execOK(ctx, host, nodeAddr, vmid, install); err != nil {
		return err
	}

	if err := writeFileIfChanged(ctx, o.runner, host, nodeAddr, vmid, "/etc/dnsmasq.d/roost.conf", o.dnsmasqConf()); err != nil {
		return err
	}

	forwarding := strings.Join([]string{
		"sysctl -w net.ipv4.ip_forward=1 >/dev/null",
		"grep -q '^net.ipv4.ip_forward=1' /etc/sysctl.conf || echo 'net.ipv4.ip_forward=1' >> /etc/sysctl.conf",
	}, " && ")
	if err := o.execOK(ctx, host, nodeAddr, vmid, forwarding); err != nil {
		return err
	}

	nat := fmt.Sprintf(
		"iptables -t nat -C POSTROUTING -s %s -o eth0 -j MASQUERADE 2>/dev/null || "+
			"iptables -t nat -A POSTROUTING -s %s -o eth0 -j MASQUERADE",
		o.cfg.ApplianceSubnet, o.cfg.ApplianceSubnet)
	if err := o.execOK(ctx, host, nodeAddr, vmid, nat); err != nil {
		return err
	}

	restart := "systemctl enable --now dnsmasq nginx >/dev/null 2>&1; systemctl restart dnsmasq"
	return o.execOK(ctx, host, nodeAddr, vmid, restart)
}

func (o *Orchestrator) dnsmasqConf() string {
	var b strings.Builder
	fmt.Fprintf(&b, "interface=eth1\n")
	fmt.Fprintf(&b, "bind-interfaces\n")
	fmt.Fprintf(&b, "domain=%s\n", o.cfg.ApplianceDomain)
	fmt.Fprintf(&b, "dhcp-range=%s,%s,12h\n", o.cfg.ApplianceDHCPLo, o.cfg.ApplianceDHCPHi)
	fmt.Fprintf(&b, "dhcp-option=option:router,%s\n", o.cfg.ApplianceGateway)
	fmt.Fprintf(&b, "dhcp-option=option:dns-server,%s\n", o.cfg.ApplianceGateway)
	fmt.Fprintf(&b, "dhcp-authoritative\n")
	fmt.Fprintf(&b, "dhcp-leasefile=/var/lib/misc/dnsmasq.leases\n")
	return b.String()
}

// verify checks bridge, forwarding, NAT and services, and returns the
// appliance's WAN address.
func (o *Orchestrator) verify(ctx context.Context, host *types.ProxmoxHost, nodeAddr string) (string, error) {
	vmid := o.cfg.ApplianceVMID

	checks := strings.Join([]string{
		"test \"$(cat /proc/sys/net/ipv4/ip_forward)\" = 1",
		fmt.Sprintf("iptables -t nat -C POSTROUTING -s %s -o eth0 -j MASQUERADE", o.cfg.ApplianceSubnet),
		"systemctl is-active --quiet dnsmasq",
		"systemctl is-active --quiet nginx",
	}, " && ")
	if err := o.execOK(ctx, host, nodeAddr, vmid, checks); err != nil {
		return "", errdefs.Wrap(errdefs.KindUnknown, err, "appliance health verification failed")
	}

	res, err := o.runner.ExecInContainer(ctx, host, nodeAddr, vmid, "ip -4 addr show eth0")
	if err != nil {
		return "", err
	}
	if err := res.Err(); err != nil {
		return "", err
	}
	ip := ParseIPv4Addr(res.Stdout)
	if ip == "" {
		return "", errdefs.New(errdefs.KindUnknown, "appliance has no WAN address on eth0")
	}

	// End-to-end reachability: the proxy must answer from outside the
	// container, not just report active to systemd.
	if probe := health.NewTCPChecker(net.JoinHostPort(ip, "80")).Check(ctx); !probe.Healthy {
		return "", errdefs.New(errdefs.KindUnknown, "appliance proxy unreachable at %s: %s", ip, probe.Message)
	}
	return ip, nil
}

// Teardown removes the appliance and the bridge. Called when the last
// managed application on the host is deleted.
func (o *Orchestrator) Teardown(ctx context.Context, host *types.ProxmoxHost) error {
	lock := o.hostLock(host.ID)
	lock.Lock()
	defer lock.Unlock()

	state := o.states[host.ID]
	if state == nil || state.Degraded {
		return nil
	}
	client, err := o.pool.Get(host)
	if err != nil {
		return err
	}
	vmid := o.cfg.ApplianceVMID
	node := state.Node

	if task, err := client.StopLXC(ctx, node, vmid); err == nil {
		_ = client.WaitForTask(ctx, node, task, time.Minute)
	}
	task, err := client.DeleteLXC(ctx, node, vmid, true)
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err == nil {
		if err := client.WaitForTask(ctx, node, task, 2*time.Minute); err != nil {
			return err
		}
	}

	bridge := o.cfg.ApplianceBridge
	down := fmt.Sprintf("ifdown %s 2>/dev/null; ip link del %s 2>/dev/null; true", bridge, bridge)
	if res, err := o.runner.ExecOnNode(ctx, host, state.NodeAddr, down); err != nil {
		return err
	} else if err := res.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	delete(o.states, host.ID)
	o.mu.Unlock()
	o.logger.Info().Str("host_id", host.ID).Msg("appliance torn down")
	return nil
}

func (o *Orchestrator) execOK(ctx context.Context, host *types.ProxmoxHost, nodeAddr string, vmid int, command string) error {
	res, err := o.runner.ExecInContainer(ctx, host, nodeAddr, vmid, command)
	if err != nil {
		return err
	}
	return res.Err()
}

// ParseIPv4Addr extracts the first IPv4 address from `ip -4 addr show`
// output.
func ParseIPv4Addr(output string) string {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[0] == "inet" {
			addr := fields[1]
			if slash := strings.IndexByte(addr, '/'); slash > 0 {
				addr = addr[:slash]
			}
			if addr != "127.0.0.1" {
				return addr
			}
		}
	}
	return ""
}
