package gnet

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/uuid"

	"github.com/riftpath/dissect/gid"
	"github.com/riftpath/dissect/mempool"
	"github.com/riftpath/dissect/memview"
)

// NetTraffic is a single piece of content recovered from the wire, tagged
// with the frame(s) it came from.
type NetTraffic struct {
	LayerClass gopacket.LayerClass
	LayerType  string
	SrcIP      net.IP
	SrcPort    int
	DstIP      net.IP
	DstPort    int
	Content    ParsedNetworkContent
	Interface  string

	// The time at which the first packet was observed.
	ObservationTime time.Time

	// The time at which the final packet arrived, for multi-packet content.
	// Equal to ObservationTime for single packets.
	FinalPacketTime time.Time
}

// ParsedNetworkContent is implemented by every payload a proto.Proto can
// hand upward through the engine.
type ParsedNetworkContent interface {
	ReleaseBuffers()
	Print() string
}

// BodyBytes is raw, unclassified payload -- the info-only fallback content
// delivered when no downstream proto claimed a TCP sub-parser's stream.
type BodyBytes struct {
	memview.MemView
}

var _ ParsedNetworkContent = (*BodyBytes)(nil)

func (b BodyBytes) ReleaseBuffers() { b.MemView.Clear() }
func (b BodyBytes) Print() string   { return "" }

// DroppedBytes records that payload was observed but discarded (for
// instance, a gap in the wait-list was forced open by a timeout).
type DroppedBytes int64

var _ ParsedNetworkContent = (*DroppedBytes)(nil)

func (DroppedBytes) ReleaseBuffers() {}
func (DroppedBytes) Print() string   { return "" }

func (db DroppedBytes) String() string {
	return fmt.Sprintf("dropped %d bytes", int64(db))
}

// TCPPacketMetadata mirrors a single observed TCP segment's flags and
// length, independent of reassembly outcome.
type TCPPacketMetadata struct {
	ConnectionID gid.ConnectionID

	SYN bool
	ACK bool
	FIN bool
	RST bool

	PayloadLength_bytes int
}

var _ ParsedNetworkContent = (*TCPPacketMetadata)(nil)

func (TCPPacketMetadata) ReleaseBuffers() {}
func (TCPPacketMetadata) Print() string   { return "" }

// TCPConnectionMetadata summarizes a TCP sub-parser's lifetime: who opened
// it and how it ended, per the termination rule in proto.TCPProto.
type TCPConnectionMetadata struct {
	ConnectionID gid.ConnectionID
	Initiator    TCPConnectionInitiator
	EndState     TCPConnectionEndState
}

var _ ParsedNetworkContent = (*TCPConnectionMetadata)(nil)

func (TCPConnectionMetadata) ReleaseBuffers() {}
func (TCPConnectionMetadata) Print() string   { return "" }

type TCPConnectionInitiator int

const (
	UnknownTCPConnectionInitiator TCPConnectionInitiator = iota
	SourceInitiator
	DestInitiator
)

type TCPConnectionEndState string

const (
	ConnectionOpen   TCPConnectionEndState = "OPEN"
	ConnectionClosed TCPConnectionEndState = "CLOSED"
	ConnectionReset  TCPConnectionEndState = "RESET"
)

// FtpSmtpRequest is the content type emitted by the control-channel proto
// (gnet/ctp) for a single command line.
type FtpSmtpRequest struct {
	ConnectionID gid.ConnectionID
	Seq          int
	Command      string
	Arg          string
}

var _ ParsedNetworkContent = (*FtpSmtpRequest)(nil)

func (FtpSmtpRequest) ReleaseBuffers() {}
func (r FtpSmtpRequest) Print() string {
	return fmt.Sprintf("## CTP -> %s %s", r.Command, r.Arg)
}

// FtpSmtpResponse is the content type emitted by the control-channel proto
// for a single reply line.
type FtpSmtpResponse struct {
	ConnectionID gid.ConnectionID
	Seq          int
	Code         int
	Message      string
}

var _ ParsedNetworkContent = (*FtpSmtpResponse)(nil)

func (FtpSmtpResponse) ReleaseBuffers() {}
func (r FtpSmtpResponse) Print() string {
	return fmt.Sprintf("## CTP <- %d %s", r.Code, r.Message)
}

// FtpDataTransfer is the content type emitted by the FTP data-connection
// proto (gnet/ctp) for the bytes carried over a connection predicted by a
// PORT/PASV negotiation on the control channel.
type FtpDataTransfer struct {
	ConnectionID gid.ConnectionID
	Way          int
	Body         BodyBytes
}

var _ ParsedNetworkContent = (*FtpDataTransfer)(nil)

func (d FtpDataTransfer) ReleaseBuffers() { d.Body.ReleaseBuffers() }
func (d FtpDataTransfer) Print() string {
	return fmt.Sprintf("## CTP-DATA %d bytes", d.Body.MemView.Len())
}

// HTTPRequest is the content type emitted by gnet/http for one request.
type HTTPRequest struct {
	StreamID uuid.UUID
	Seq      int

	Method     string
	ProtoMajor int
	ProtoMinor int
	URL        *url.URL
	Host       string
	Header     http.Header
	Body       memview.MemView
	Cookies    []*http.Cookie

	BodyDecompressed bool

	buffer mempool.Buffer
}

var _ ParsedNetworkContent = (*HTTPRequest)(nil)

func (r HTTPRequest) ReleaseBuffers() { r.buffer.Release() }
func (r HTTPRequest) Print() string {
	u := ""
	if r.URL != nil {
		u = r.URL.String()
	}
	return fmt.Sprintf("## HTTP -> Request: %s %s %s", r.StreamID, r.Method, u)
}

func (r HTTPRequest) GetStreamKey() string {
	return r.StreamID.String() + ":" + strconv.Itoa(r.Seq)
}

// HTTPResponse is the content type emitted by gnet/http for one response.
type HTTPResponse struct {
	StreamID uuid.UUID
	Seq      int

	StatusCode int
	ProtoMajor int
	ProtoMinor int
	Header     http.Header
	Body       memview.MemView
	Cookies    []*http.Cookie

	BodyDecompressed bool

	buffer mempool.Buffer
}

var _ ParsedNetworkContent = (*HTTPResponse)(nil)

func (r HTTPResponse) ReleaseBuffers() { r.buffer.Release() }
func (r HTTPResponse) Print() string {
	return fmt.Sprintf("## HTTP -> Response: %s %d", r.StreamID, r.StatusCode)
}

func (r HTTPResponse) GetStreamKey() string {
	return r.StreamID.String() + ":" + strconv.Itoa(r.Seq)
}
