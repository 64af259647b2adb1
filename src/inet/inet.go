// Package inet implements the IPv4/ARP/ICMP/UDP boundary tcp's socket
// layer sits on top of: SendIPv4/ReceiveIPv4 build and demux IP
// datagrams, an ARP table resolves next-hop MAC addresses, and a
// minimal ICMP echo responder and UDP passthrough round out the
// protocol set.
package inet

import (
	"encoding/binary"

	"console"
	"defs"
	"hashtable"
	"limits"
)

// IPv4 addresses are plain uint32 in host byte order throughout this
// package; only the wire encode/decode touches network byte order.
type Addr uint32

func (a Addr) String() string {
	return intToDotted(a)
}

func intToDotted(a Addr) string {
	b := [4]byte{byte(a >> 24), byte(a >> 16), byte(a >> 8), byte(a)}
	buf := make([]byte, 0, 15)
	for i, o := range b {
		if i > 0 {
			buf = append(buf, '.')
		}
		buf = append(buf, itoa(o)...)
	}
	return string(buf)
}

func itoa(v byte) []byte {
	if v == 0 {
		return []byte{'0'}
	}
	var tmp [3]byte
	n := 0
	for v > 0 {
		tmp[n] = '0' + v%10
		v /= 10
		n++
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = tmp[n-1-i]
	}
	return out
}

const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	ipHeaderLen  = 20
	ethHeaderLen = 14
)

// Iface holds one network device's identity. Driver dispatch is left to
// the owner of TxFn; this package only builds and parses frames.
type Iface struct {
	MAC     [6]byte
	IP      Addr
	Gateway Addr
	Subnet  Addr

	// TxFn transmits a fully built Ethernet frame.
	TxFn func(frame []byte) bool
}

var dev *Iface

// RegisterDevice installs the single active network device.
func RegisterDevice(d *Iface) {
	dev = d
	console.Printf("inet: device registered, ip=%s\n", d.IP.String())
}

// Device returns the registered device, or nil.
func Device() *Iface { return dev }

var ipID uint16

// arpTable maps an Addr (cast to int32, the closest key type
// hashtable.Hashtable_t supports to a 32-bit integer) to a [6]byte MAC,
// capped at limits.Syslimit.Arpents entries.
var arpTable = hashtable.MkHash(256)

func arpKey(a Addr) int32 { return int32(a) }

// ArpLookup returns the MAC address cached for ip.
func ArpLookup(ip Addr) ([6]byte, bool) {
	v, ok := arpTable.Get(arpKey(ip))
	if !ok {
		return [6]byte{}, false
	}
	return v.([6]byte), true
}

// ArpAdd records or updates the MAC address for ip, bounded by
// limits.Syslimit.Arpents.
func ArpAdd(ip Addr, mac [6]byte) {
	if _, existed := arpTable.Get(arpKey(ip)); !existed {
		if arpTable.Size() >= limits.Syslimit.Arpents {
			return
		}
	}
	arpTable.Set(arpKey(ip), mac)
}

// ArpRequest would broadcast an ARP request for ip; packet queueing and
// the link-layer send are not wired up yet, so it only logs.
func ArpRequest(ip Addr) {
	console.Printf("ARP: request for %s (unimplemented, no link layer)\n", ip.String())
}

// checksum16 computes the IP/ICMP/UDP/TCP ones-complement checksum
// over data.
func checksum16(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i]) | uint32(data[i+1])<<8
	}
	if n&1 != 0 {
		sum += uint32(data[n-1])
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	return ^uint16(sum)
}

// Checksum exports checksum16 for tcp's pseudo-header checksum, which
// needs to fold the same ones-complement arithmetic over a buffer it
// assembles itself.
func Checksum(data []byte) uint16 { return checksum16(data) }

func subnetMatch(a, b, mask Addr) bool { return a&mask == b&mask }

// SendIPv4 builds an IPv4 datagram carrying proto/data addressed to dst
// and hands it to the registered device's TxFn. Returns
// defs.ECONNREFUSED when no device is registered and defs.EAGAIN when
// the next hop's MAC is still unresolved (an ARP request is issued and
// the caller is expected to retry).
func SendIPv4(dst Addr, proto uint8, data []byte) defs.Err_t {
	if dev == nil {
		return defs.ECONNREFUSED
	}

	nextHop := dst
	if !subnetMatch(dst, dev.IP, dev.Subnet) {
		nextHop = dev.Gateway
	}
	mac, ok := ArpLookup(nextHop)
	if !ok {
		ArpRequest(nextHop)
		return defs.EAGAIN
	}

	totalLen := ipHeaderLen + len(data)
	ip := make([]byte, totalLen)
	ip[0] = 0x45
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(ip[4:6], ipID)
	ipID++
	binary.BigEndian.PutUint16(ip[6:8], 0)
	ip[8] = 64
	ip[9] = proto
	binary.BigEndian.PutUint16(ip[10:12], 0)
	binary.BigEndian.PutUint32(ip[12:16], uint32(dev.IP))
	binary.BigEndian.PutUint32(ip[16:20], uint32(dst))
	copy(ip[ipHeaderLen:], data)
	binary.BigEndian.PutUint16(ip[10:12], checksum16(ip[:ipHeaderLen]))

	frame := make([]byte, ethHeaderLen+totalLen)
	copy(frame[0:6], mac[:])
	copy(frame[6:12], dev.MAC[:])
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	copy(frame[ethHeaderLen:], ip)

	if !dev.TxFn(frame) {
		return defs.EAGAIN
	}
	return 0
}

// TCPRxFn/UDPRxFn are installed by the tcp package (and any future UDP
// consumer) to receive demultiplexed payloads; inet has no import of
// tcp, so the upcall is a function variable instead of a direct call.
var (
	TCPRxFn func(srcIP, dstIP Addr, segment []byte)
	UDPRxFn func(srcIP, dstIP Addr, payload []byte)
)

// ReceiveIPv4 demultiplexes one IPv4 datagram (header+payload, as
// delivered by the Ethernet layer past the 14-byte eth header).
func ReceiveIPv4(data []byte) {
	if len(data) < ipHeaderLen {
		return
	}
	ihl := int(data[0]&0x0F) * 4
	if ihl < ipHeaderLen || len(data) < ihl {
		return
	}

	gotCheck := binary.BigEndian.Uint16(data[10:12])
	tmp := make([]byte, ihl)
	copy(tmp, data[:ihl])
	tmp[10], tmp[11] = 0, 0
	if checksum16(tmp) != gotCheck {
		return
	}

	dst := Addr(binary.BigEndian.Uint32(data[16:20]))
	if dev == nil || (dst != dev.IP && dst != 0xFFFFFFFF) {
		return
	}
	src := Addr(binary.BigEndian.Uint32(data[12:16]))
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen > len(data) {
		totalLen = len(data)
	}
	payload := data[ihl:totalLen]

	switch data[9] {
	case ProtoICMP:
		receiveICMP(src, payload)
	case ProtoTCP:
		if TCPRxFn != nil {
			TCPRxFn(src, dst, payload)
		}
	case ProtoUDP:
		receiveUDP(src, dst, payload)
	}
}

const (
	icmpEchoReply = 0
	icmpEcho      = 8
	icmpHeaderLen = 8
)

// receiveICMP answers echo requests.
func receiveICMP(src Addr, data []byte) {
	if len(data) < icmpHeaderLen || data[0] != icmpEcho {
		return
	}
	id := binary.BigEndian.Uint16(data[4:6])
	seq := binary.BigEndian.Uint16(data[6:8])
	echoReply(src, id, seq, data[icmpHeaderLen:])
}

// echoReply sends an ICMP echo reply.
func echoReply(dst Addr, id, seq uint16, payload []byte) {
	total := icmpHeaderLen + len(payload)
	pkt := make([]byte, total)
	pkt[0] = icmpEchoReply
	pkt[1] = 0
	binary.BigEndian.PutUint16(pkt[2:4], 0)
	binary.BigEndian.PutUint16(pkt[4:6], id)
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	copy(pkt[icmpHeaderLen:], payload)
	binary.BigEndian.PutUint16(pkt[2:4], checksum16(pkt))
	SendIPv4(dst, ProtoICMP, pkt)
}

const udpHeaderLen = 8

// receiveUDP strips the UDP header and forwards the payload to any
// installed consumer; there is no port table yet.
func receiveUDP(src, dst Addr, data []byte) {
	if len(data) < udpHeaderLen {
		return
	}
	if UDPRxFn != nil {
		UDPRxFn(src, dst, data[udpHeaderLen:])
	}
}

// SendUDP builds and sends one UDP datagram. The checksum is left zero
// (legal for IPv4 UDP).
func SendUDP(dst Addr, dport, sport uint16, data []byte) defs.Err_t {
	total := udpHeaderLen + len(data)
	pkt := make([]byte, total)
	binary.BigEndian.PutUint16(pkt[0:2], sport)
	binary.BigEndian.PutUint16(pkt[2:4], dport)
	binary.BigEndian.PutUint16(pkt[4:6], uint16(total))
	binary.BigEndian.PutUint16(pkt[6:8], 0)
	copy(pkt[udpHeaderLen:], data)
	return SendIPv4(dst, ProtoUDP, pkt)
}
