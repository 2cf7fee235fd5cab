package tftp

import (
	"net"

	"golang.org/x/net/ipv4"
)

// requestConn is the server's control socket. On IPv4 sockets it also
// reports the address each request was sent to, so the session socket can
// answer from the address the client talked to on multihomed hosts.
type requestConn struct {
	conn net.PacketConn
	p4   *ipv4.PacketConn
}

func newRequestConn(conn net.PacketConn) *requestConn {
	rc := &requestConn{conn: conn}

	udp, ok := conn.(*net.UDPConn)
	if !ok {
		return rc
	}
	laddr, ok := udp.LocalAddr().(*net.UDPAddr)
	if !ok || laddr.IP.To4() == nil {
		return rc
	}

	p := ipv4.NewPacketConn(udp)
	if err := p.SetControlMessage(ipv4.FlagDst, true); err != nil {
		return rc
	}
	rc.p4 = p
	return rc
}

func (rc *requestConn) readFrom(b []byte) (int, net.Addr, net.IP, error) {
	if rc.p4 == nil {
		n, addr, err := rc.conn.ReadFrom(b)
		return n, addr, nil, err
	}

	n, cm, addr, err := rc.p4.ReadFrom(b)
	var dst net.IP
	if cm != nil {
		dst = cm.Dst
	}
	return n, addr, dst, err
}

func (rc *requestConn) sendError(addr net.Addr, code ErrorCode, msg string) {
	rc.conn.WriteTo(Encode(&ErrorPacket{Code: code, Message: msg}), addr)
}

// sessionAddr picks the local address for a new session socket: the
// request's destination when known, else the control socket's own address
// with an ephemeral port.
func (rc *requestConn) sessionAddr(dst net.IP) string {
	ip := dst
	if ip == nil || ip.IsUnspecified() {
		ip = nil
		if laddr, ok := rc.conn.LocalAddr().(*net.UDPAddr); ok && !laddr.IP.IsUnspecified() {
			ip = laddr.IP
		}
	}
	if ip == nil {
		return ":0"
	}
	return net.JoinHostPort(ip.String(), "0")
}

// inbound is one datagram queued for a session.
type inbound struct {
	b    []byte
	from net.Addr
	req  *Request // duplicate request forwarded by the dispatcher
}

// readPackets feeds datagrams from conn into inbox until conn is closed
// or done is closed.
func readPackets(conn net.PacketConn, inbox chan<- inbound, done <-chan struct{}) {
	buffer := make([]byte, maxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			return
		}

		b := make([]byte, n)
		copy(b, buffer[:n])

		select {
		case inbox <- inbound{b: b, from: addr}:
		case <-done:
			return
		}
	}
}
