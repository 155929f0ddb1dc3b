package capture

import (
	"github.com/riftpath/dissect/gnet"
	"github.com/riftpath/dissect/gnet/ctp"
	ghttp "github.com/riftpath/dissect/gnet/http"
	"github.com/riftpath/dissect/mempool"
	"github.com/riftpath/dissect/proto"
)

// DefaultHTTPPorts are the TCP ports a Source binds the HTTP stream proto
// to when RegisterDefaultProtos is used, matching the teacher's common-case
// well-known ports.
var DefaultHTTPPorts = []uint16{80, 8080}

// DefaultFTPPort and DefaultSMTPPort bind the FTP/SMTP control-channel
// proto (original_source tcp.c's tcp-add-port convention).
const (
	DefaultFTPPort  uint16 = 21
	DefaultSMTPPort uint16 = 25
)

// RegisterDefaultProtos wires the stream-oriented application protos this
// module ships (HTTP, FTP/SMTP control channel) onto the engine's TCP
// port-muxer table, with emit forwarding every recovered message to sink.
// Callers that only want a subset, or custom ports, should call
// engine.TCP.PortMuxer.AddPort directly instead.
func RegisterDefaultProtos(engine *proto.Engine, pool mempool.BufferPool, sink func(gnet.NetTraffic)) {
	httpProto := &gnet.StreamProto{
		ProtoName: "HTTP",
		Selector: gnet.NewTCPParserFactorySelector(
			ghttp.NewHTTPRequestParserFactory(pool),
			ghttp.NewHTTPResponseParserFactory(pool),
		),
		Emit: sink,
	}
	for _, port := range DefaultHTTPPorts {
		engine.TCP.PortMuxer.AddPort("HTTP", port, port, httpProto)
	}

	ftpDataProto := ctp.NewDataProto("FTP-DATA", sink)
	ctpProto := &gnet.StreamProto{
		ProtoName: "FTP/SMTP",
		Selector: gnet.NewTCPParserFactorySelector(
			ctp.NewCtpRequestParserFactory(),
			ctp.NewCtpResponseParserFactory(),
		),
		OnContent: ctp.NewCnxTrackHook(engine.TCP.CnxTrack, ftpDataProto),
		Emit:      sink,
	}
	engine.TCP.PortMuxer.AddPort("FTP", DefaultFTPPort, DefaultFTPPort, ctpProto)
	engine.TCP.PortMuxer.AddPort("SMTP", DefaultSMTPPort, DefaultSMTPPort, ctpProto)
}
