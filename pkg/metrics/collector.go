package metrics

import "time"

// PillarHealth reports whether a pillar driver answered its health probe.
type PillarHealth struct {
	Name    string
	Healthy bool
	Message string
}

// Prober is implemented by anything that can report its own health; each
// pillar driver and the raft-backed Metastore satisfy it.
type Prober interface {
	Probe() PillarHealth
}

// Collector periodically probes the wired pillar drivers and republishes
// their status into the health registry and, for the raft Metastore, into
// the RaftLeader gauge.
type Collector struct {
	probers     []Prober
	raftLeader  func() (bool, bool) // (isLeader, ok)
	stopCh      chan struct{}
}

// NewCollector creates a collector over the given probers. raftLeader may
// be nil when the Metastore driver is not raft-backed.
func NewCollector(probers []Prober, raftLeader func() (bool, bool)) *Collector {
	return &Collector{
		probers:    probers,
		raftLeader: raftLeader,
		stopCh:     make(chan struct{}),
	}
}

// Start begins collecting on a 15 second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, p := range c.probers {
		h := p.Probe()
		UpdateComponent(h.Name, h.Healthy, h.Message)
	}

	if c.raftLeader != nil {
		if isLeader, ok := c.raftLeader(); ok {
			if isLeader {
				RaftLeader.Set(1)
			} else {
				RaftLeader.Set(0)
			}
		}
	}
}
