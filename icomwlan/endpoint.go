package icomwlan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// endpointBufferBytes is the socket receive/send buffer size requested
// on every bound UDP socket. The audio sub-session pushes/pulls a 480
// byte frame every 20ms; a generous kernel buffer absorbs scheduler
// jitter without the radio seeing a dropped datagram.
const endpointBufferBytes = 256 * 1024

// maxDatagramBytes sizes readLoop's receive buffer. The largest packet
// in the protocol is a maximal Audio frame: a 0x18-byte header plus a
// 2048-byte payload. Anything smaller truncates that datagram and
// ParseAudio then rejects it on length alone.
const maxDatagramBytes = 2072

// datagram is one inbound UDP datagram with its source address.
type datagram struct {
	from *net.UDPAddr
	data []byte
}

// endpoint binds a single local UDP socket and exposes inbound
// datagrams with their source address. It has no retry or framing
// policy of its own — that is a Session-level concern.
type endpoint struct {
	conn      *net.UDPConn
	localPort int
}

// newEndpoint binds a UDP socket on the given local port (0 = any free
// port) and tunes its buffers via setsockopt, matching the teacher's
// raw-socket-option pattern used for its own UDP sockets.
func newEndpoint(localPort int) (*endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("icomwlan: bind UDP endpoint: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("icomwlan: raw conn: %w", err)
	}

	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, endpointBufferBytes); err != nil {
			sockErr = fmt.Errorf("set SO_RCVBUF: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, endpointBufferBytes); err != nil {
			sockErr = fmt.Errorf("set SO_SNDBUF: %w", err)
			return
		}
	})
	if ctrlErr != nil {
		conn.Close()
		return nil, fmt.Errorf("icomwlan: control socket: %w", ctrlErr)
	}
	if sockErr != nil {
		// Buffer tuning is best-effort: some sandboxed environments
		// deny SO_*BUF adjustments. The socket is still usable.
		_ = sockErr
	}

	return &endpoint{
		conn:      conn,
		localPort: conn.LocalAddr().(*net.UDPAddr).Port,
	}, nil
}

// LocalPort returns the OS-assigned (or requested) local port.
func (e *endpoint) LocalPort() int { return e.localPort }

// Send transmits b to peer.
func (e *endpoint) Send(peer *net.UDPAddr, b []byte) error {
	_, err := e.conn.WriteToUDP(b, peer)
	if err != nil {
		return fmt.Errorf("icomwlan: send to %s: %w", peer, err)
	}
	return nil
}

// Close releases the socket.
func (e *endpoint) Close() error {
	return e.conn.Close()
}

// readLoop reads datagrams until the socket is closed, delivering each
// to onData. It runs on its own goroutine;
// onData must be safe to call concurrently with the rest of the
// program only insofar as it hands work back onto the owning actor
// (see actor.go) rather than mutating shared state directly.
func (e *endpoint) readLoop(onData func(datagram), onError func(error)) {
	buf := make([]byte, maxDatagramBytes)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if isClosedErr(err) {
				return
			}
			if onError != nil {
				onError(fmt.Errorf("icomwlan: recv: %w", err))
			}
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		onData(datagram{from: from, data: cp})
	}
}

func isClosedErr(err error) bool {
	ne, ok := err.(*net.OpError)
	return ok && ne.Err.Error() == "use of closed network connection"
}
