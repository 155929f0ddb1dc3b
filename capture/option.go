package capture

import "time"

// DefaultSweepInterval is how often a Source asks the engine to evict idle
// mux slots and expired connection-track entries when no packets are
// arriving to drive that bookkeeping incidentally.
const DefaultSweepInterval = 5 * time.Second

type Options struct {
	// Live selects a DeviceReader over a FileReader.
	Live bool
	// ReadName is either a pcap/pcapng file path or a device name,
	// depending on Live.
	ReadName string
	// BPFilter is an optional tcpdump-style capture filter.
	BPFilter string
	// SweepInterval paces the periodic call to proto.Engine.Sweep.
	SweepInterval time.Duration
}

func NewOptions() Options {
	return Options{SweepInterval: DefaultSweepInterval}
}

type Option func(*Options)

func WithReadName(name string, live bool) Option {
	return func(o *Options) {
		o.Live = live
		o.ReadName = name
	}
}

func WithBPF(filter string) Option {
	return func(o *Options) {
		o.BPFilter = filter
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		o.SweepInterval = d
	}
}
