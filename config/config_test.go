package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	p := Default()
	assert.Equal(t, "tcp://0.0.0.0:9000", p.Address)
	assert.True(t, p.Multicore)
}

func TestLoad(t *testing.T) {
	raw := `
address: tcp://127.0.0.1:7000
multicore: false
shards: 4
reuse_port: true
load_balancing: least_connections
backlog: 256
workers: 8
queue_capacity: 2048
idle_timeout_seconds: 30
overflow_policy: drop
edge_triggered: true
keep_alive_seconds: 60
`
	path := filepath.Join(t.TempDir(), "server.yaml")
	assert.NoError(t, ioutil.WriteFile(path, []byte(raw), 0o644))

	p, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:7000", p.Address)
	assert.False(t, p.Multicore)
	assert.Equal(t, 4, p.Shards)
	assert.True(t, p.ReusePort)
	assert.Equal(t, "least_connections", p.LoadBalancing)
	assert.Equal(t, 256, p.Backlog)
	assert.Equal(t, 8, p.Workers)
	assert.Equal(t, 2048, p.QueueCapacity)
	assert.Equal(t, 30, p.IdleTimeoutSeconds)
	assert.Equal(t, "drop", p.OverflowPolicy)
	assert.True(t, p.EdgeTriggered)
	assert.Equal(t, 60, p.KeepAliveSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	assert.NoError(t, ioutil.WriteFile(path, []byte("workers: 2\n"), 0o644))

	p, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 2, p.Workers)
	// 没写的字段保持默认
	assert.Equal(t, "tcp://0.0.0.0:9000", p.Address)
}

func TestOptionsMapping(t *testing.T) {
	p := Default()
	p.Shards = 2
	p.OverflowPolicy = "drop"
	opts := p.Options()
	// 基础三项 + shards + overflow
	assert.Len(t, opts, 5)
}
