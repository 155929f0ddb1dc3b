package proto

import (
	"plugin"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MatchFunc is the compiled-filter entry point a netmatch plugin exports,
// the Go analogue of original_source netmatch.c's match_fun: given the
// current parse chain and a scratch register file, report whether the
// packet matches the compiled filter expression.
type MatchFunc func(info *Info, registers []uint64) bool

// NetmatchFilter loads and holds one compiled packet-filter plugin,
// mirroring original_source netmatch.c's struct netmatch_filter. Each
// loaded filter owns its own register file, reused across calls rather
// than reallocated per packet.
type NetmatchFilter struct {
	LibName string

	mu        sync.Mutex
	registers []uint64
	matchFn   MatchFunc
	handle    *plugin.Plugin
}

// LoadNetmatchFilter opens a compiled filter plugin and resolves its
// exported "Match" symbol, the Go analogue of netmatch_filter_ctor.
//
// There is no third-party package in the ecosystem that dynamically loads
// native code compiled outside the running binary; Go's own toolchain
// settled on plugin.Open as the one supported mechanism for this, so this
// is the single component in the engine built directly on the standard
// library rather than an example-grounded third-party dependency.
func LoadNetmatchFilter(libName string, nbRegisters uint, log *zap.SugaredLogger, metrics *Metrics) (*NetmatchFilter, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	handle, err := plugin.Open(libName)
	if err != nil {
		if metrics != nil {
			metrics.NetmatchLoadFails.Inc()
		}
		log.Errorw("cannot load netmatch filter plugin", "libname", libName, "error", err)
		return nil, errors.Wrapf(err, "loading netmatch filter %s", libName)
	}

	sym, err := handle.Lookup("Match")
	if err != nil {
		if metrics != nil {
			metrics.NetmatchLoadFails.Inc()
		}
		log.Errorw("netmatch filter plugin has no Match symbol", "libname", libName, "error", err)
		return nil, errors.Wrapf(err, "resolving Match in netmatch filter %s", libName)
	}

	matchFn, ok := sym.(func(info *Info, registers []uint64) bool)
	if !ok {
		if metrics != nil {
			metrics.NetmatchLoadFails.Inc()
		}
		return nil, errors.Errorf("netmatch filter %s: Match has the wrong signature", libName)
	}

	var regs []uint64
	if nbRegisters > 0 {
		regs = make([]uint64, nbRegisters)
	}

	return &NetmatchFilter{
		LibName:   libName,
		registers: regs,
		matchFn:   matchFn,
		handle:    handle,
	}, nil
}

// Match evaluates the compiled filter against info, the analogue of
// dereferencing netmatch_filter.match_fun directly. The register file is
// zeroed before each call so one packet's evaluation can't leak state
// into the next, matching the ctor's initial memset of regfile.
func (f *NetmatchFilter) Match(info *Info) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.registers {
		f.registers[i] = 0
	}
	return f.matchFn(info, f.registers)
}
