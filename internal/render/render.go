// Package render turns decoded packets into the line-oriented text that
// expectations are matched against:
//
//	Packet (Length: 62)
//	Layer IPV6:
//		Source: fe80::2
//		Destination: fe80::1
package render

import (
	"encoding/hex"
	"fmt"
	"net"
	"reflect"
	"strings"
	"unicode"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Text renders packets. It is safe for concurrent use.
type Text struct {
	sip        *SIPParser
	maxPayload int
}

type Option func(*Text)

// WithoutSIP disables SIP detection in application payloads.
func WithoutSIP() Option {
	return func(t *Text) { t.sip = nil }
}

// WithMaxPayload limits how many payload bytes are rendered as hex.
func WithMaxPayload(n int) Option {
	return func(t *Text) { t.maxPayload = n }
}

func New(opts ...Option) *Text {
	t := &Text{sip: NewSIPParser(), maxPayload: 256}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Render writes one header line for the packet followed by one block per
// decoded layer.
func (t *Text) Render(p gopacket.Packet) string {
	var b builder
	b.line("Packet (Length: %d)", packetLength(p))
	for _, l := range p.Layers() {
		t.layer(&b, l)
	}
	if fail := p.ErrorLayer(); fail != nil && fail.Error() != nil {
		b.header("MALFORMED")
		b.field("Error", fail.Error().Error())
	}
	return b.String()
}

func packetLength(p gopacket.Packet) int {
	if md := p.Metadata(); md != nil && md.Length > 0 {
		return md.Length
	}
	return len(p.Data())
}

func (t *Text) layer(b *builder, l gopacket.Layer) {
	switch v := l.(type) {
	case *layers.Ethernet:
		b.header("ETH")
		b.field("Destination", v.DstMAC)
		b.field("Source", v.SrcMAC)
		b.field("Type", fmt.Sprintf("%s (0x%04x)", v.EthernetType, uint16(v.EthernetType)))
	case *layers.Dot1Q:
		b.header("VLAN")
		b.field("Priority", v.Priority)
		b.field("DEI", v.DropEligible)
		b.field("ID", v.VLANIdentifier)
		b.field("Type", fmt.Sprintf("%s (0x%04x)", v.Type, uint16(v.Type)))
	case *layers.LinuxSLL:
		b.header("SLL")
		b.field("Packet Type", v.PacketType)
		b.field("Link-Layer Address", v.Addr)
		b.field("Protocol", fmt.Sprintf("%s (0x%04x)", v.EthernetType, uint16(v.EthernetType)))
	case *layers.ARP:
		b.header("ARP")
		b.field("Hardware Type", v.AddrType)
		b.field("Protocol Type", fmt.Sprintf("%s (0x%04x)", v.Protocol, uint16(v.Protocol)))
		b.field("Opcode", v.Operation)
		b.field("Sender MAC Address", net.HardwareAddr(v.SourceHwAddress))
		b.field("Sender IP Address", net.IP(v.SourceProtAddress))
		b.field("Target MAC Address", net.HardwareAddr(v.DstHwAddress))
		b.field("Target IP Address", net.IP(v.DstProtAddress))
	case *layers.IPv4:
		b.header("IP")
		b.field("Version", v.Version)
		b.field("Header Length", int(v.IHL)*4)
		b.field("Differentiated Services Field", fmt.Sprintf("0x%02x", v.TOS))
		b.field("Total Length", v.Length)
		b.field("Identification", fmt.Sprintf("0x%04x (%d)", v.Id, v.Id))
		b.field("Flags", fmt.Sprintf("0x%x", uint8(v.Flags)))
		b.field("Fragment Offset", v.FragOffset)
		b.field("Time to Live", v.TTL)
		b.field("Protocol", protocol(v.Protocol))
		b.field("Header Checksum", fmt.Sprintf("0x%04x", v.Checksum))
		b.field("Source", v.SrcIP)
		b.field("Destination", v.DstIP)
	case *layers.IPv6:
		b.header("IPV6")
		b.field("Version", v.Version)
		b.field("Traffic Class", fmt.Sprintf("0x%02x", v.TrafficClass))
		b.field("Flow Label", fmt.Sprintf("0x%05x", v.FlowLabel))
		b.field("Payload Length", v.Length)
		b.field("Next Header", protocol(v.NextHeader))
		b.field("Hop Limit", v.HopLimit)
		b.field("Source", v.SrcIP)
		b.field("Destination", v.DstIP)
	case *layers.UDP:
		b.header("UDP")
		b.field("Source Port", uint16(v.SrcPort))
		b.field("Destination Port", uint16(v.DstPort))
		b.field("Length", v.Length)
		b.field("Checksum", fmt.Sprintf("0x%04x", v.Checksum))
	case *layers.TCP:
		b.header("TCP")
		b.field("Source Port", uint16(v.SrcPort))
		b.field("Destination Port", uint16(v.DstPort))
		b.field("Sequence Number", v.Seq)
		b.field("Acknowledgment Number", v.Ack)
		b.field("Header Length", int(v.DataOffset)*4)
		b.field("Flags", tcpFlags(v))
		b.field("Window", v.Window)
		b.field("Checksum", fmt.Sprintf("0x%04x", v.Checksum))
		b.field("Urgent Pointer", v.Urgent)
	case *layers.ICMPv4:
		b.header("ICMP")
		b.field("Type", v.TypeCode.Type())
		b.field("Code", v.TypeCode.Code())
		b.field("Checksum", fmt.Sprintf("0x%04x", v.Checksum))
		b.field("Identifier", v.Id)
		b.field("Sequence Number", v.Seq)
	case *layers.ICMPv6:
		b.header("ICMPV6")
		b.field("Type", v.TypeCode.Type())
		b.field("Code", v.TypeCode.Code())
		b.field("Checksum", fmt.Sprintf("0x%04x", v.Checksum))
	case *layers.ICMPv6Echo:
		b.header("ICMPV6")
		b.field("Identifier", fmt.Sprintf("0x%04x", v.Identifier))
		b.field("Sequence Number", v.SeqNumber)
	case *layers.DNS:
		dns(b, v)
	case *gopacket.DecodeFailure:
		// reported once through ErrorLayer
	case *layers.SIP:
		data := append(append([]byte(nil), v.LayerContents()...), v.LayerPayload()...)
		t.payload(b, data)
	case gopacket.ApplicationLayer:
		t.payload(b, v.Payload())
	default:
		if strings.HasPrefix(l.LayerType().String(), "ICMPv6") {
			b.header("ICMPV6")
		} else {
			b.header(strings.ToUpper(l.LayerType().String()))
		}
		reflectFields(b, l)
	}
}

func (t *Text) payload(b *builder, data []byte) {
	if t.sip != nil {
		if msg, ok := t.sip.Parse(data); ok {
			sipLayer(b, msg)
			return
		}
	}
	b.header("DATA")
	b.field("Length", len(data))
	if len(data) > t.maxPayload {
		data = data[:t.maxPayload]
	}
	b.field("Data", hex.EncodeToString(data))
}

func protocol(p layers.IPProtocol) string {
	return fmt.Sprintf("%s (%d)", p, uint8(p))
}

func tcpFlags(v *layers.TCP) string {
	var names []string
	var bits uint16
	for _, f := range []struct {
		set  bool
		name string
		bit  uint16
	}{
		{v.NS, "NS", 0x100}, {v.CWR, "CWR", 0x80}, {v.ECE, "ECE", 0x40},
		{v.URG, "URG", 0x20}, {v.ACK, "ACK", 0x10}, {v.PSH, "PSH", 0x08},
		{v.RST, "RST", 0x04}, {v.SYN, "SYN", 0x02}, {v.FIN, "FIN", 0x01},
	} {
		if f.set {
			names = append(names, f.name)
			bits |= f.bit
		}
	}
	// space separated, commas delimit fields
	return fmt.Sprintf("0x%03x (%s)", bits, strings.Join(names, " "))
}

func dns(b *builder, v *layers.DNS) {
	b.header("DNS")
	b.field("Transaction ID", fmt.Sprintf("0x%04x", v.ID))
	b.field("Response", v.QR)
	b.field("Opcode", v.OpCode)
	b.field("Reply Code", v.ResponseCode)
	b.field("Questions", len(v.Questions))
	b.field("Answer RRs", len(v.Answers))
	for _, q := range v.Questions {
		b.field("Query", fmt.Sprintf("%s type %s class %s", q.Name, q.Type, q.Class))
	}
	for _, a := range v.Answers {
		b.field("Answer", fmt.Sprintf("%s type %s %s", a.Name, a.Type, dnsData(a)))
	}
}

func dnsData(a layers.DNSResourceRecord) string {
	switch {
	case a.IP != nil:
		return a.IP.String()
	case len(a.CNAME) > 0:
		return string(a.CNAME)
	case len(a.PTR) > 0:
		return string(a.PTR)
	case len(a.NS) > 0:
		return string(a.NS)
	}
	return ""
}

var (
	stringerType = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
	skipFields   = map[string]bool{"BaseLayer": true, "Contents": true, "Payload": true}
)

// reflectFields renders the scalar exported fields of a layer in
// declaration order.
func reflectFields(b *builder, l gopacket.Layer) {
	v := reflect.ValueOf(l)
	for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}
	typ := v.Type()
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		if !sf.IsExported() || skipFields[sf.Name] {
			continue
		}
		if s, ok := scalar(v.Field(i)); ok {
			b.field(label(sf.Name), s)
		}
	}
}

func scalar(v reflect.Value) (string, bool) {
	if v.Type().Implements(stringerType) && v.Kind() != reflect.Ptr {
		return v.Interface().(fmt.Stringer).String(), true
	}
	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return fmt.Sprint(v.Interface()), true
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 && v.Len() <= 64 {
			return hex.EncodeToString(v.Bytes()), true
		}
	}
	return "", false
}

// label splits a Go identifier into words: "HopLimit" -> "Hop Limit",
// "SrcIP" -> "Src IP".
func label(name string) string {
	runes := []rune(name)
	var sb strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				sb.WriteByte(' ')
			}
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

type builder struct {
	sb strings.Builder
}

func (b *builder) line(format string, args ...any) {
	fmt.Fprintf(&b.sb, format, args...)
	b.sb.WriteByte('\n')
}

func (b *builder) header(name string) {
	b.line("Layer %s:", name)
}

func (b *builder) field(key string, value any) {
	s := fmt.Sprint(value)
	// a value must stay on its field line
	s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	b.line("\t%s: %s", key, s)
}

func (b *builder) String() string {
	return b.sb.String()
}
