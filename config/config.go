// Package config loads server settings from a YAML file and maps them onto
// server options, so deployments can tune sharding, the worker pool and the
// backpressure policy without recompiling.
package config

import (
	"io/ioutil"
	"time"

	"github.com/ghodss/yaml"

	"rnet"
)

type Properties struct {
	Address            string `json:"address"`
	Multicore          bool   `json:"multicore"`
	Shards             int    `json:"shards"`
	ReusePort          bool   `json:"reuse_port"`
	LoadBalancing      string `json:"load_balancing"`
	Backlog            int    `json:"backlog"`
	Workers            int    `json:"workers"`
	QueueCapacity      int    `json:"queue_capacity"`
	IdleTimeoutSeconds int    `json:"idle_timeout_seconds"`
	AcceptBatch        int    `json:"accept_batch"`
	SweepBatch         int    `json:"sweep_batch"`
	OverflowPolicy     string `json:"overflow_policy"`
	EdgeTriggered      bool   `json:"edge_triggered"`
	KeepAliveSeconds   int    `json:"keep_alive_seconds"`
}

// Default returns the properties used when no config file is given.
func Default() *Properties {
	return &Properties{
		Address:   "tcp://0.0.0.0:9000",
		Multicore: true,
	}
}

// Load reads a YAML file into Properties on top of the defaults.
func Load(path string) (*Properties, error) {
	p := Default()
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Options maps the properties onto server options. Zero values are left to
// the server's own defaults.
func (p *Properties) Options() []rnet.Option {
	opts := []rnet.Option{
		rnet.WithMulticore(p.Multicore),
		rnet.WithReusePort(p.ReusePort),
		rnet.WithEdgeTriggered(p.EdgeTriggered),
	}
	if p.Shards > 0 {
		opts = append(opts, rnet.WithNumEventLoop(p.Shards))
	}
	switch p.LoadBalancing {
	case "least_connections":
		opts = append(opts, rnet.WithLoadBalancing(rnet.LeastConnections))
	case "source_addr_hash":
		opts = append(opts, rnet.WithLoadBalancing(rnet.SourceAddrHash))
	}
	if p.Backlog > 0 {
		opts = append(opts, rnet.WithBacklog(p.Backlog))
	}
	if p.Workers > 0 {
		opts = append(opts, rnet.WithNumWorkers(p.Workers))
	}
	if p.QueueCapacity > 0 {
		opts = append(opts, rnet.WithQueueCapacity(p.QueueCapacity))
	}
	if p.IdleTimeoutSeconds > 0 {
		opts = append(opts, rnet.WithIdleTimeout(time.Duration(p.IdleTimeoutSeconds)*time.Second))
	}
	if p.AcceptBatch > 0 {
		opts = append(opts, rnet.WithAcceptBatch(p.AcceptBatch))
	}
	if p.SweepBatch > 0 {
		opts = append(opts, rnet.WithSweepBatch(p.SweepBatch))
	}
	if p.OverflowPolicy == "drop" {
		opts = append(opts, rnet.WithOverflowPolicy(rnet.OverflowDrop))
	}
	if p.KeepAliveSeconds > 0 {
		opts = append(opts, rnet.WithTCPKeepAlive(time.Duration(p.KeepAliveSeconds)*time.Second))
	}
	return opts
}
