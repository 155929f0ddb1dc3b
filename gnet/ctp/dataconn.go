package ctp

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/riftpath/dissect/gid"
	"github.com/riftpath/dissect/gnet"
	"github.com/riftpath/dissect/memview"
	"github.com/riftpath/dissect/proto"
)

// dataProto is the FTP data-connection proto: unlike the control channel
// it carries no command grammar of its own, it's whatever bytes the
// control channel's PORT/PASV negotiation predicted (a directory listing,
// a file body, ...). It forwards each direction's bytes verbatim rather
// than trying to frame them, the same "no sub-grammar, just deliver"
// treatment original_source gives any proto with no registered subproto.
type dataProto struct {
	name string
	emit func(gnet.NetTraffic)
}

// NewDataProto builds the proto.Proto handed to proto.CnxTrack.Expect as
// the predicted data connection's dissector.
func NewDataProto(name string, emit func(gnet.NetTraffic)) proto.Proto {
	return &dataProto{name: name, emit: emit}
}

func (p *dataProto) Name() string { return p.name }

func (p *dataProto) NewParser() proto.Parser {
	return &dataParser{proto: p, connID: uuid.New()}
}

type dataParser struct {
	proto  *dataProto
	connID uuid.UUID
}

var _ proto.Parser = (*dataParser)(nil)

func (p *dataParser) Parse(parent *proto.Info, way proto.Way, payload memview.MemView, capLen, wireLen int, now time.Time, okfn proto.OkFn) proto.Status {
	okfn(*parent, payload, now)

	if p.proto.emit != nil {
		p.proto.emit(gnet.NetTraffic{
			LayerType:       p.proto.name,
			SrcIP:           parent.SrcAddr,
			SrcPort:         int(parent.SrcPort),
			DstIP:           parent.DstAddr,
			DstPort:         int(parent.DstPort),
			Content: gnet.FtpDataTransfer{
				ConnectionID: gid.ConnectionIDFromUUID(p.connID),
				Way:          int(way),
				Body:         gnet.BodyBytes{MemView: payload},
			},
			ObservationTime: now,
			FinalPacketTime: now,
		})
	}
	return proto.StatusOK
}

// NewCnxTrackHook builds the gnet.StreamProto.OnContent callback that
// watches the control channel for PORT/PASV negotiation and registers the
// predicted data connection with cnxTrack, so proto.TCPProto's
// lookupSubProto hands it to target instead of falling through to the
// port-muxer table (which has no static binding for an ephemeral data
// port). Mirrors original_source ftp.c's cmd_port/cmd_pasv handlers
// pushing a cnxtrack expectation ahead of the data connection appearing.
func NewCnxTrackHook(cnxTrack *proto.CnxTrack, target proto.Proto) func(parent *proto.Info, content gnet.ParsedNetworkContent, now time.Time) {
	return func(parent *proto.Info, content gnet.ParsedNetworkContent, now time.Time) {
		switch c := content.(type) {
		case gnet.FtpSmtpRequest:
			if !strings.EqualFold(c.Command, string(FtpDataPort)) {
				return
			}
			ip, port, ok := parsePortArg(c.Arg)
			if !ok {
				return
			}
			// Active mode: the client (this request's source) advertises
			// the address/port it will accept the server's data
			// connection on; the server originates it from its own
			// well-known data port.
			cnxTrack.Expect(proto.CnxTrackKey{
				Protocol: 6,
				AddrA:    ip.String(), PortA: port,
				AddrB: parent.DstAddr.String(), PortB: 20,
			}, target, nil, now)

		case gnet.FtpSmtpResponse:
			if c.Code != 227 {
				return
			}
			ip, port, ok := parsePasvReply(c.Message)
			if !ok {
				return
			}
			// Passive mode: the server (this response's source) advertises
			// its own data address/port; the client's source port for
			// that connection is whatever the OS picks, so only the
			// server side of the key is known ahead of time.
			cnxTrack.Expect(proto.CnxTrackKey{
				Protocol: 6,
				AddrA:    ip.String(), PortA: port,
			}, target, nil, now)
		}
	}
}

// parsePortArg decodes a PORT command argument ("h1,h2,h3,h4,p1,p2") into
// an address and port, per RFC 959 §4.1.2.
func parsePortArg(arg string) (net.IP, uint16, bool) {
	return parseHostPortFields(strings.Split(strings.TrimSpace(arg), ","))
}

// parsePasvReply decodes a 227 reply's "(h1,h2,h3,h4,p1,p2)" out of the
// surrounding reply text, per RFC 959 §4.1.2.
func parsePasvReply(msg string) (net.IP, uint16, bool) {
	open := strings.IndexByte(msg, '(')
	close := strings.IndexByte(msg, ')')
	if open < 0 || close < 0 || close < open {
		return nil, 0, false
	}
	return parseHostPortFields(strings.Split(msg[open+1:close], ","))
}

func parseHostPortFields(fields []string) (net.IP, uint16, bool) {
	if len(fields) != 6 {
		return nil, 0, false
	}
	nums := make([]int, 6)
	for i, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 0 || n > 255 {
			return nil, 0, false
		}
		nums[i] = n
	}
	ip := net.IPv4(byte(nums[0]), byte(nums[1]), byte(nums[2]), byte(nums[3]))
	port := uint16(nums[4])*256 + uint16(nums[5])
	return ip, port, true
}
