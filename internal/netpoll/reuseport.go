package netpoll

import (
	"net"

	"github.com/libp2p/go-reuseport"
)

// ReusePortListen 创建设置了SO_REUSEPORT的listener，多个shard可以绑定同一端口，
// 由内核完成accept的负载均衡
func ReusePortListen(proto, addr string) (net.Listener, error) {
	return reuseport.Listen(proto, addr)
}
