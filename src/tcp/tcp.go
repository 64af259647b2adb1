// Package tcp implements an RFC 793 subset: a socket table, the
// CLOSED->...->TIME_WAIT state machine, and segment transmit/receive
// with the pseudo-header checksum. Receive and transmit byte storage is
// a circbuf.Circbuf_t ring owned by each socket; the IP/ARP boundary is
// the sibling inet package.
package tcp

import (
	"encoding/binary"
	"sync"

	"circbuf"
	"console"
	"defs"
	"inet"
	"limits"
)

// State names the TCP connection states.
type State uint8

const (
	Closed State = iota
	Listen
	SynSent
	SynRecv
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynRecv:
		return "SYN_RECV"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT1"
	case FinWait2:
		return "FIN_WAIT2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Segment flag bits.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

const (
	RxBufSize     = 65536
	TxBufSize     = 65536
	MSS           = 1460
	MaxRetries    = 3
	RTOBase       = 100
	headerLen     = 20
	timeWaitTicks = 60
)

// Socket is one TCP connection (or listener). The congestion and RTT
// fields are tracked but not yet consulted; retransmission and
// congestion control are open extensions.
type Socket struct {
	LocalAddr, RemoteAddr inet.Addr
	LocalPort, RemotePort uint16
	State                 State
	SndUna, SndNxt        uint32
	RcvNxt                uint32
	Window                uint16

	Rx, Tx circbuf.Circbuf_t

	Error Err_t

	Cwnd, Ssthresh uint32
	Srtt, Rttvar   uint32
	Rto            uint32

	timeWaitTimer int
}

// Err_t is an alias kept local so callers reading tcp.go don't have to
// cross-reference defs for every socket-level error; it is exactly
// defs.Err_t.
type Err_t = defs.Err_t

var (
	socketsLock sync.Mutex
	sockets     []*Socket
	nextPort    uint16 = 49152
	seqNum      uint32
)

// Init resets the socket table and sequence counter and installs this
// package as the IP layer's TCP consumer.
func Init() {
	socketsLock.Lock()
	sockets = nil
	nextPort = 49152
	seqNum = 0x12345678
	socketsLock.Unlock()

	inet.TCPRxFn = Rx
	console.Printf("tcp: initialized\n")
}

// nextISN draws an initial sequence number from the global counter.
// Callers hold socketsLock.
func nextISN() uint32 {
	isn := seqNum
	seqNum++
	return isn
}

// NewSocket allocates a CLOSED socket with 64KiB receive and transmit
// rings. Returns nil once limits.Syslimit.Socks is exhausted.
func NewSocket() *Socket {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	return newSocketLocked()
}

func newSocketLocked() *Socket {
	if !limits.Syslimit.Socks.Take() {
		return nil
	}
	s := &Socket{
		State: Closed,
		// the ring is 64KiB but the window field is 16 bits; without
		// window scaling the most we can advertise is 65535.
		Window:   RxBufSize - 1,
		Cwnd:     MSS * 2,
		Ssthresh: 65535,
		Rto:      RTOBase,
	}
	s.Rx.Init(RxBufSize)
	s.Tx.Init(TxBufSize)
	sockets = append(sockets, s)
	return s
}

// Bind assigns a local address/port to an unconnected socket.
func Bind(s *Socket, addr inet.Addr, port uint16) Err_t {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	if s.State != Closed {
		return defs.EBADSTATE
	}
	s.LocalAddr = addr
	s.LocalPort = port
	return 0
}

// ListenOn transitions a bound socket to LISTEN (named ListenOn since
// "Listen" is already the state constant).
func ListenOn(s *Socket) Err_t {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	if s.State != Closed {
		return defs.EBADSTATE
	}
	if s.LocalPort == 0 {
		return defs.EINVAL
	}
	s.State = Listen
	return 0
}

// Connect actively opens a connection by sending the initial SYN.
func Connect(s *Socket, addr inet.Addr, port uint16) Err_t {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	if s.State != Closed {
		return defs.EBADSTATE
	}
	s.RemoteAddr = addr
	s.RemotePort = port

	if s.LocalPort == 0 {
		s.LocalPort = nextPort
		nextPort++
	}
	if s.LocalAddr == 0 {
		if d := inet.Device(); d != nil {
			s.LocalAddr = d.IP
		}
	}

	isn := nextISN()
	s.State = SynSent
	s.SndUna = isn
	s.SndNxt = isn + 1

	Tx(s, FlagSYN, nil)
	return 0
}

// Checksum computes the TCP pseudo-header checksum over the already-
// built header+payload.
func Checksum(src, dst inet.Addr, segment []byte) uint16 {
	pseudo := make([]byte, 12+len(segment))
	binary.BigEndian.PutUint32(pseudo[0:4], uint32(src))
	binary.BigEndian.PutUint32(pseudo[4:8], uint32(dst))
	pseudo[8] = 0
	pseudo[9] = inet.ProtoTCP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(segment)))
	copy(pseudo[12:], segment)
	return inet.Checksum(pseudo)
}

// Tx builds one TCP segment and hands it to inet.SendIPv4. snd_nxt
// advances by one for a bare SYN or a FIN and by the payload length for
// data.
func Tx(s *Socket, flags uint8, data []byte) {
	total := headerLen + len(data)
	seg := make([]byte, total)
	binary.BigEndian.PutUint16(seg[0:2], s.LocalPort)
	binary.BigEndian.PutUint16(seg[2:4], s.RemotePort)
	binary.BigEndian.PutUint32(seg[4:8], s.SndNxt)
	binary.BigEndian.PutUint32(seg[8:12], s.RcvNxt)
	seg[12] = (headerLen / 4) << 4
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], s.Window)
	binary.BigEndian.PutUint16(seg[16:18], 0)
	binary.BigEndian.PutUint16(seg[18:20], 0)
	copy(seg[headerLen:], data)

	binary.BigEndian.PutUint16(seg[16:18], Checksum(s.LocalAddr, s.RemoteAddr, seg))

	inet.SendIPv4(s.RemoteAddr, inet.ProtoTCP, seg)

	if flags&FlagSYN != 0 {
		if flags&FlagACK == 0 {
			s.SndNxt++
		}
	}
	if flags&FlagFIN != 0 {
		s.SndNxt++
	}
	if len(data) > 0 {
		s.SndNxt += uint32(len(data))
	}
}

// findLocked matches (local_port, remote_port) exactly, falling back to
// a LISTEN socket bound to the local port. Callers hold socketsLock.
func findLocked(dstPort, srcPort uint16) *Socket {
	var listener *Socket
	for _, s := range sockets {
		if s.LocalPort == dstPort && s.RemotePort == srcPort {
			return s
		}
		if s.State == Listen && s.LocalPort == dstPort {
			listener = s
		}
	}
	return listener
}

// Rx demultiplexes one inbound TCP segment and drives the state
// machine. Installed as inet.TCPRxFn by Init, so srcIP/dstIP come from
// the IP header inet already validated.
func Rx(srcIP, dstIP inet.Addr, segment []byte) {
	if len(segment) < headerLen {
		return
	}
	socketsLock.Lock()
	defer socketsLock.Unlock()
	sport := binary.BigEndian.Uint16(segment[0:2])
	dport := binary.BigEndian.Uint16(segment[2:4])
	seq := binary.BigEndian.Uint32(segment[4:8])
	ack := binary.BigEndian.Uint32(segment[8:12])
	flags := segment[13]
	payload := segment[headerLen:]

	s := findLocked(dport, sport)
	if s == nil {
		return
	}

	switch s.State {
	case Listen:
		if flags&FlagSYN != 0 {
			ns := newSocketLocked()
			if ns == nil {
				return
			}
			isn := nextISN()
			ns.State = SynRecv
			ns.LocalAddr = s.LocalAddr
			ns.LocalPort = s.LocalPort
			ns.RemoteAddr = srcIP
			ns.RemotePort = sport
			ns.RcvNxt = seq + 1
			ns.SndUna = isn
			ns.SndNxt = isn
			Tx(ns, FlagSYN|FlagACK, nil)
		}

	case SynSent:
		if flags&FlagSYN != 0 && flags&FlagACK != 0 {
			if ack == s.SndUna+1 {
				s.State = Established
				s.RcvNxt = seq + 1
				s.SndUna = ack
				Tx(s, FlagACK, nil)
			}
		}

	case SynRecv:
		if flags&FlagACK != 0 {
			s.State = Established
			s.SndUna = ack
			// the SYN|ACK consumed one sequence number; account for it
			// now so snd_una never runs ahead of snd_nxt.
			if int32(ack-s.SndNxt) > 0 {
				s.SndNxt = ack
			}
		}

	case Established:
		if flags&FlagACK != 0 {
			s.SndUna = ack
		}
		if len(payload) > 0 && seq == s.RcvNxt {
			n := s.Rx.Write(payload)
			s.RcvNxt += uint32(n)
			Tx(s, FlagACK, nil)
		}
		if flags&FlagFIN != 0 {
			s.State = CloseWait
			s.RcvNxt++
			Tx(s, FlagACK, nil)
		}

	case LastAck:
		if flags&FlagACK != 0 {
			s.State = Closed
		}

	case FinWait1:
		if flags&FlagFIN != 0 && flags&FlagACK != 0 {
			s.State = TimeWait
			s.timeWaitTimer = timeWaitTicks
			s.RcvNxt++
			Tx(s, FlagACK, nil)
		} else if flags&FlagACK != 0 {
			s.State = FinWait2
		} else if flags&FlagFIN != 0 {
			s.State = Closing
			s.RcvNxt++
			Tx(s, FlagACK, nil)
		}

	case FinWait2:
		if flags&FlagFIN != 0 {
			s.State = TimeWait
			s.timeWaitTimer = timeWaitTicks
			s.RcvNxt++
			Tx(s, FlagACK, nil)
		}

	case Closing:
		if flags&FlagACK != 0 {
			s.State = TimeWait
			s.timeWaitTimer = timeWaitTicks
		}
	}
}

// Send transmits data on an established connection.
func Send(s *Socket, data []byte) (int, Err_t) {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	if s.State != Established {
		return 0, defs.EBADSTATE
	}
	if len(data) == 0 {
		return 0, 0
	}
	Tx(s, FlagACK|FlagPSH, data)
	return len(data), 0
}

// Recv drains up to len(buf) bytes received so far: valid in
// ESTABLISHED and CLOSE_WAIT (the peer may have already sent a FIN, but
// buffered data preceding it is still readable).
func Recv(s *Socket, buf []byte) (int, Err_t) {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	if s.State != Established && s.State != CloseWait {
		return 0, defs.EBADSTATE
	}
	n := s.Rx.Read(buf)
	return n, 0
}

// Close initiates (or completes) a graceful shutdown.
func Close(s *Socket) {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	switch s.State {
	case Established:
		s.State = FinWait1
		Tx(s, FlagFIN|FlagACK, nil)
	case CloseWait:
		s.State = LastAck
		Tx(s, FlagFIN|FlagACK, nil)
	case Listen, SynSent, SynRecv, Closed:
		s.State = Closed
	}
}

// TimerTick advances every TIME_WAIT socket's countdown.
func TimerTick() {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	for _, s := range sockets {
		if s.State != TimeWait {
			continue
		}
		if s.timeWaitTimer > 0 {
			s.timeWaitTimer--
		} else {
			s.State = Closed
		}
	}
}

// Cleanup reaps CLOSED sockets and releases their socket-table slot.
func Cleanup() {
	socketsLock.Lock()
	defer socketsLock.Unlock()
	live := sockets[:0]
	for _, s := range sockets {
		if s.State == Closed {
			limits.Syslimit.Socks.Give()
			continue
		}
		live = append(live, s)
	}
	sockets = live
}
