package message

import (
	"fmt"
	"net"

	"github.com/nabbar/golib/network/protocol"
)

// Address is the (protocol, ip, port) triple a Remote is keyed by and a
// Message carries for receive-side delivery.
type Address struct {
	Proto protocol.NetworkProtocol
	IP    net.IP
	Port  uint32
}

func NewAddress(proto protocol.NetworkProtocol, ip net.IP, port uint32) Address {
	return Address{Proto: proto, IP: ip, Port: port}
}

// Key returns the canonical Remote registry key for this address.
func (a Address) Key() string {
	return fmt.Sprintf("%s|%s|%d", a.Proto.String(), a.IP.String(), a.Port)
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

func (a Address) IsLoopback() bool {
	return a.IP.IsLoopback()
}
