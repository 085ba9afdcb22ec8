package vmm

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mvisor/mvisor/netstack"
	"github.com/mvisor/mvisor/netswitch"
)

// Cluster wires N VMs' net devices into one netswitch.Switch, optionally
// giving the whole broadcast domain a single NAT/DHCP uplink — spec.md §2
// item 6's "virtual L2 switch for multi-VM clusters" and the 10.0.3.0/24
// cluster defaults from §6.
type Cluster struct {
	sw      *netswitch.Switch
	stack   *netstack.Stack
	log     *logrus.Entry
	handles []*Handle
	cancel  context.CancelFunc
}

// NewCluster returns an empty cluster ready to Start member VMs against.
func NewCluster(log *logrus.Entry) *Cluster {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Cluster{sw: netswitch.New(log), log: log}
}

// Builder returns a Builder whose VMs attach to this cluster's switch
// instead of getting their own NAT stack. A member still needs a non-nil
// Config.Net to get a net device; its Stack and Forwards are ignored in
// favor of the shared uplink added by AddNAT.
func (c *Cluster) Builder() *Builder {
	return &Builder{Log: c.log, Switch: c.sw}
}

// AddNAT gives the cluster a single shared NAT/DHCP uplink, attached to the
// switch as just another port (so broadcast DHCP/ARP from any member
// reaches it, per netswitch's flood rule). cfg should normally be
// netstack.Config{...ClusterGatewayIP/ClusterGatewayMAC defaults...}.
func (c *Cluster) AddNAT(cfg netstack.Config) {
	port := c.sw.NewPort()
	c.sw.SetNATPort(port)
	c.stack = netstack.New(cfg, port, c.log)
}

// Start begins the switch's MAC-ageing ticker and, if AddNAT was called,
// the shared NAT stack's poll loop. Member VMs are started independently
// via c.Builder().Start(cfg) and registered with Join so Shutdown/Wait can
// reach them.
func (c *Cluster) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.sw.Run()

	if c.stack != nil {
		go c.stack.Run(ctx)
	}
}

// Join registers h (returned by c.Builder().Start(cfg)) as a cluster
// member so Shutdown tears it down too.
func (c *Cluster) Join(h *Handle) {
	c.handles = append(c.handles, h)
}

// Shutdown stops every member VM, the shared NAT stack, and the switch's
// ageing ticker.
func (c *Cluster) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.sw.Stop()

	var first error

	for _, h := range c.handles {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}

	return first
}
