package tcp

import (
	"testing"

	"inet"
)

func freshState(t *testing.T) {
	t.Helper()
	Init()
	prevDev := inet.Device()
	d := &inet.Iface{IP: 0xC0A80001, Subnet: 0xFFFFFF00, Gateway: 0xC0A80000}
	// swallow transmitted frames; tests that care about what went out
	// override TxFn themselves.
	d.TxFn = func(frame []byte) bool { return true }
	inet.RegisterDevice(d)
	t.Cleanup(func() {
		if prevDev != nil {
			inet.RegisterDevice(prevDev)
		}
	})
}

func TestNewSocketInitializesRings(t *testing.T) {
	freshState(t)
	s := NewSocket()
	if s == nil {
		t.Fatal("NewSocket returned nil")
	}
	if s.State != Closed {
		t.Fatalf("state = %v, want CLOSED", s.State)
	}
	if s.Rx.Bufsz() != RxBufSize || s.Tx.Bufsz() != TxBufSize {
		t.Fatalf("ring sizes = %d/%d, want %d/%d", s.Rx.Bufsz(), s.Tx.Bufsz(), RxBufSize, TxBufSize)
	}
}

func TestBindThenListenRequiresBoundPort(t *testing.T) {
	freshState(t)
	s := NewSocket()
	if err := ListenOn(s); err == 0 {
		t.Fatal("ListenOn should fail before Bind")
	}
	if err := Bind(s, 0xC0A80001, 8080); err != 0 {
		t.Fatalf("Bind failed: %d", err)
	}
	if err := ListenOn(s); err != 0 {
		t.Fatalf("ListenOn failed: %d", err)
	}
	if s.State != Listen {
		t.Fatalf("state = %v, want LISTEN", s.State)
	}
}

// TestThreeWayHandshake drives a LISTEN socket through SYN -> SYN-ACK ->
// ACK and confirms the listener's fresh child reaches ESTABLISHED with
// its sequence state settled.
func TestThreeWayHandshake(t *testing.T) {
	freshState(t)
	listener := NewSocket()
	Bind(listener, 0xC0A80001, 8080)
	ListenOn(listener)

	// simulate an inbound SYN from 192.168.0.2:4000
	synSeg := buildSegment(t, 4000, 8080, 100, 0, FlagSYN, nil)
	Rx(0xC0A80002, 0xC0A80001, synSeg)

	var child *Socket
	socketsLock.Lock()
	for _, s := range sockets {
		if s.State == SynRecv {
			child = s
		}
	}
	socketsLock.Unlock()
	if child == nil {
		t.Fatal("no SYN_RECV child created after inbound SYN")
	}
	if child.RcvNxt != 101 {
		t.Fatalf("child.RcvNxt = %d, want 101", child.RcvNxt)
	}
	if child.RemoteAddr != 0xC0A80002 {
		t.Fatalf("child.RemoteAddr = %v, want 192.168.0.2", child.RemoteAddr)
	}

	// simulate the final ACK completing the handshake: the SYN-ACK went
	// out with seq=X, so the peer acknowledges X+1.
	x := child.SndNxt
	ackSeg := buildSegment(t, 4000, 8080, 101, x+1, FlagACK, nil)
	Rx(0xC0A80002, 0xC0A80001, ackSeg)
	if child.State != Established {
		t.Fatalf("child state = %v, want ESTABLISHED", child.State)
	}
	if child.SndUna != x+1 {
		t.Fatalf("child.SndUna = %d, want %d", child.SndUna, x+1)
	}
	if child.SndNxt != x+1 {
		t.Fatalf("child.SndNxt = %d, want %d", child.SndNxt, x+1)
	}
}

// TestSynWithoutListenerIsDropped: a SYN to a port nothing listens on is
// silently discarded, no child socket, no reply.
func TestSynWithoutListenerIsDropped(t *testing.T) {
	freshState(t)
	sent := 0
	inet.Device().TxFn = func(frame []byte) bool { sent++; return true }

	syn := buildSegment(t, 4000, 7070, 500, 0, FlagSYN, nil)
	Rx(0xC0A80002, 0xC0A80001, syn)

	socketsLock.Lock()
	n := len(sockets)
	socketsLock.Unlock()
	if n != 0 {
		t.Fatalf("socket table has %d entries after orphan SYN, want 0", n)
	}
	if sent != 0 {
		t.Fatalf("%d frames transmitted in response to orphan SYN, want 0", sent)
	}
}

// TestOutOfOrderSegmentIsDropped: data with seq past rcv_nxt is dropped
// without advancing rcv_nxt and without emitting an ACK.
func TestOutOfOrderSegmentIsDropped(t *testing.T) {
	freshState(t)
	s := newEstablished(2000)
	sent := 0
	inet.Device().TxFn = func(frame []byte) bool { sent++; return true }

	seg := buildSegment(t, 5000, 9000, 2005, s.SndNxt, FlagACK|FlagPSH, []byte("late"))
	Rx(0xC0A80002, 0xC0A80001, seg)

	if s.RcvNxt != 2000 {
		t.Fatalf("RcvNxt = %d after out-of-order segment, want 2000", s.RcvNxt)
	}
	if sent != 0 {
		t.Fatalf("%d frames transmitted for dropped segment, want 0", sent)
	}
}

// TestFinMovesToCloseWaitAndDataStaysReadable: a FIN advances rcv_nxt by
// one and parks the socket in CLOSE_WAIT, where buffered data preceding
// the FIN is still readable.
func TestFinMovesToCloseWaitAndDataStaysReadable(t *testing.T) {
	freshState(t)
	s := newEstablished(3000)

	data := buildSegment(t, 5000, 9000, 3000, s.SndNxt, FlagACK|FlagPSH, []byte("bye"))
	Rx(0xC0A80002, 0xC0A80001, data)
	fin := buildSegment(t, 5000, 9000, 3003, s.SndNxt, FlagACK|FlagFIN, nil)
	Rx(0xC0A80002, 0xC0A80001, fin)

	if s.State != CloseWait {
		t.Fatalf("state = %v after FIN, want CLOSE_WAIT", s.State)
	}
	if s.RcvNxt != 3004 {
		t.Fatalf("RcvNxt = %d, want 3004 (3 data bytes + FIN)", s.RcvNxt)
	}
	buf := make([]byte, 8)
	n, err := Recv(s, buf)
	if err != 0 || n != 3 || string(buf[:3]) != "bye" {
		t.Fatalf("Recv in CLOSE_WAIT = %d,%d %q, want 3,0 %q", n, err, buf[:n], "bye")
	}
}

// TestFullLifecycleLeavesSocketTableEmpty walks the passive side from
// LISTEN through handshake, the peer's FIN, a local close, and the final
// ACK, then confirms Cleanup reaps everything once the listener is shut
// down too.
func TestFullLifecycleLeavesSocketTableEmpty(t *testing.T) {
	freshState(t)
	listener := NewSocket()
	Bind(listener, 0xC0A80001, 8080)
	ListenOn(listener)

	Rx(0xC0A80002, 0xC0A80001, buildSegment(t, 4000, 8080, 100, 0, FlagSYN, nil))

	var child *Socket
	socketsLock.Lock()
	for _, s := range sockets {
		if s != listener {
			child = s
		}
	}
	socketsLock.Unlock()
	if child == nil {
		t.Fatal("no child socket created")
	}

	Rx(0xC0A80002, 0xC0A80001, buildSegment(t, 4000, 8080, 101, child.SndNxt+1, FlagACK, nil))
	if child.State != Established {
		t.Fatalf("child state = %v, want ESTABLISHED", child.State)
	}

	// peer closes first; we follow.
	Rx(0xC0A80002, 0xC0A80001, buildSegment(t, 4000, 8080, 101, child.SndNxt, FlagACK|FlagFIN, nil))
	if child.State != CloseWait {
		t.Fatalf("child state = %v after peer FIN, want CLOSE_WAIT", child.State)
	}
	Close(child)
	if child.State != LastAck {
		t.Fatalf("child state = %v after local close, want LAST_ACK", child.State)
	}
	Rx(0xC0A80002, 0xC0A80001, buildSegment(t, 4000, 8080, 102, child.SndNxt, FlagACK, nil))
	if child.State != Closed {
		t.Fatalf("child state = %v after final ACK, want CLOSED", child.State)
	}

	Close(listener)
	Cleanup()

	socketsLock.Lock()
	defer socketsLock.Unlock()
	if len(sockets) != 0 {
		t.Fatalf("socket table holds %d entries after full lifecycle, want 0", len(sockets))
	}
}

// newEstablished builds an ESTABLISHED socket on 192.168.0.1:9000 peered
// with 192.168.0.2:5000, expecting rcvNxt as the next inbound sequence.
func newEstablished(rcvNxt uint32) *Socket {
	s := NewSocket()
	s.LocalAddr, s.LocalPort = 0xC0A80001, 9000
	s.RemoteAddr, s.RemotePort = 0xC0A80002, 5000
	s.State = Established
	s.RcvNxt = rcvNxt
	return s
}

// TestByteStreamDeliversInOrderData exercises an established connection
// receiving in-order data and having it readable via Recv.
func TestByteStreamDeliversInOrderData(t *testing.T) {
	freshState(t)
	s := newEstablished(1000)

	payload := []byte("hello, established socket")
	seg := buildSegment(t, 5000, 9000, 1000, s.SndNxt, FlagACK, payload)
	Rx(0xC0A80002, 0xC0A80001, seg)

	if s.RcvNxt != 1000+uint32(len(payload)) {
		t.Fatalf("RcvNxt = %d, want %d", s.RcvNxt, 1000+uint32(len(payload)))
	}

	buf := make([]byte, len(payload))
	n, err := Recv(s, buf)
	if err != 0 || n != len(payload) {
		t.Fatalf("Recv = %d, %d, want %d, 0", n, err, len(payload))
	}
	if string(buf) != string(payload) {
		t.Fatalf("Recv data = %q, want %q", buf, payload)
	}
}

func TestSendRequiresEstablished(t *testing.T) {
	freshState(t)
	s := NewSocket()
	if _, err := Send(s, []byte("x")); err == 0 {
		t.Fatal("Send on a CLOSED socket should fail")
	}
}

func TestCloseFromEstablishedMovesToFinWait1(t *testing.T) {
	freshState(t)
	s := NewSocket()
	s.LocalAddr, s.LocalPort = 0xC0A80001, 9001
	s.RemoteAddr, s.RemotePort = 0xC0A80002, 5001
	s.State = Established

	Close(s)
	if s.State != FinWait1 {
		t.Fatalf("state = %v, want FIN_WAIT1", s.State)
	}
}

func TestTimerTickExpiresTimeWait(t *testing.T) {
	freshState(t)
	s := NewSocket()
	s.State = TimeWait
	s.timeWaitTimer = 1

	TimerTick()
	if s.State != TimeWait {
		t.Fatalf("state = %v after first tick, want still TIME_WAIT", s.State)
	}
	TimerTick()
	if s.State != Closed {
		t.Fatalf("state = %v after timer expiry, want CLOSED", s.State)
	}
}

func TestCleanupReapsClosedSockets(t *testing.T) {
	freshState(t)
	s1 := NewSocket()
	s2 := NewSocket()
	s1.State = Closed
	s2.State = Established

	Cleanup()

	socketsLock.Lock()
	defer socketsLock.Unlock()
	for _, s := range sockets {
		if s == s1 {
			t.Fatal("CLOSED socket should have been reaped")
		}
	}
	if len(sockets) != 1 || sockets[0] != s2 {
		t.Fatalf("sockets after cleanup = %v, want only s2", sockets)
	}
}

func buildSegment(t *testing.T, srcPort, dstPort uint16, seq, ack uint32, flags uint8, data []byte) []byte {
	t.Helper()
	total := headerLen + len(data)
	seg := make([]byte, total)
	be := func(off int, v uint16) { seg[off] = byte(v >> 8); seg[off+1] = byte(v) }
	be32 := func(off int, v uint32) {
		seg[off] = byte(v >> 24)
		seg[off+1] = byte(v >> 16)
		seg[off+2] = byte(v >> 8)
		seg[off+3] = byte(v)
	}
	be(0, srcPort)
	be(2, dstPort)
	be32(4, seq)
	be32(8, ack)
	seg[12] = (headerLen / 4) << 4
	seg[13] = flags
	be(14, RxBufSize%65536)
	copy(seg[headerLen:], data)
	return seg
}
