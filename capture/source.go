// Package capture wires a live device or saved capture file into the
// protocol demultiplexing engine, decoding just enough of the link and
// network layers (gopacket) to locate each IPv4 datagram before handing it
// to proto.Engine for reassembly and dissection.
package capture

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/riftpath/dissect/gnet"
	"github.com/riftpath/dissect/memview"
	"github.com/riftpath/dissect/proto"
)

// Source reads frames from a PcapReader and feeds IPv4 datagrams into a
// proto.Engine, periodically sweeping the engine's idle state so mux
// slots and connection-track entries expire even during lulls in traffic.
type Source struct {
	opts   Options
	reader PcapReader
	engine *proto.Engine
	log    *zap.SugaredLogger
}

func NewSource(engine *proto.Engine, log *zap.SugaredLogger, opt ...Option) (*Source, error) {
	opts := NewOptions()
	for _, o := range opt {
		o(&opts)
	}
	if len(opts.ReadName) == 0 {
		return nil, errors.New("capture: no file or device name given")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var reader PcapReader
	if opts.Live {
		reader = NewDeviceReader(opts.ReadName, opts.BPFilter)
	} else {
		reader = NewFileReader(opts.ReadName, opts.BPFilter)
	}

	return &Source{opts: opts, reader: reader, engine: engine, log: log}, nil
}

// Run starts reading frames until ctx is canceled or the underlying reader
// reaches EOF, returning a channel of any content recovered from traffic
// that isn't delivered through a registered application proto's own Emit
// callback (raw bytes for non-IPv4 traffic).
func (s *Source) Run(ctx context.Context) (<-chan gnet.NetTraffic, error) {
	packets, err := s.reader.Capture(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan gnet.NetTraffic, 100)

	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		defer close(out)

		for {
			select {
			case <-ctx.Done():
				return
			case packet, more := <-packets:
				if !more {
					return
				}
				s.handlePacket(packet, out)
			case now := <-ticker.C:
				s.engine.Sweep(now, func(info proto.Info, payload memview.MemView, t time.Time) {
					// Frame accounting only, same as handlePacket: content
					// delivery happens through each registered proto's own
					// Emit callback (see RegisterDefaultProtos).
					_ = info
					_ = payload
					_ = t
				})
			}
		}
	}()

	return out, nil
}

func (s *Source) handlePacket(packet gopacket.Packet, out chan<- gnet.NetTraffic) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("recovered from panic while handling a captured frame", "panic", r)
		}
	}()

	netLayer := packet.NetworkLayer()
	if netLayer == nil {
		return
	}

	now := time.Now()
	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		now = md.Timestamp
	}

	ipv4, ok := netLayer.(*layers.IPv4)
	if !ok {
		// IPv6 and anything else aren't demultiplexed by the engine;
		// surface the raw network-layer payload instead of dropping it.
		s.emitRaw(netLayer, packet, now, out)
		return
	}

	datagram := append(append([]byte(nil), ipv4.Contents...), ipv4.Payload...)
	capLen := len(datagram)
	wireLen := int(ipv4.Length)
	if wireLen < capLen {
		wireLen = capLen
	}

	s.engine.ParseIPv4(memview.New(datagram), capLen, wireLen, now, func(info proto.Info, payload memview.MemView, t time.Time) {
		// Frame accounting only; content delivery happens through each
		// registered proto's own Emit callback (see RegisterDefaultProtos).
		_ = info
		_ = payload
		_ = t
	})
}

func (s *Source) emitRaw(netLayer gopacket.NetworkLayer, packet gopacket.Packet, now time.Time, out chan<- gnet.NetTraffic) {
	var srcIP, dstIP net.IP
	if ep := netLayer.NetworkFlow(); ep != (gopacket.Flow{}) {
		src, dst := ep.Endpoints()
		srcIP = net.IP(src.Raw())
		dstIP = net.IP(dst.Raw())
	}

	layerTypes := make([]gopacket.LayerType, 0, len(packet.Layers()))
	for _, l := range packet.Layers() {
		layerTypes = append(layerTypes, l.LayerType())
	}

	out <- gnet.NetTraffic{
		LayerClass:      gopacket.NewLayerClass(layerTypes),
		LayerType:       netLayer.LayerType().String(),
		SrcIP:           srcIP,
		DstIP:           dstIP,
		Content:         gnet.BodyBytes{MemView: memview.New(netLayer.LayerPayload())},
		ObservationTime: now,
		FinalPacketTime: now,
	}
}
