package bgp

import (
	"net/netip"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// Optional parameter and capability codes.
const (
	OptParamCapabilities uint8 = 2
	optParamExtended     uint8 = 255 // RFC 9072 marker

	CapCodeMultiProtocol   uint8 = 1
	CapCodeRouteRefresh    uint8 = 2
	CapCodeExtendedMessage uint8 = 6
	CapCodeGracefulRestart uint8 = 64
	CapCodeFourOctetAS     uint8 = 65
	CapCodeAddPath         uint8 = 69
)

// Add-path send/receive modes (RFC 7911).
const (
	AddPathReceive uint8 = 1
	AddPathSend    uint8 = 2
	AddPathBoth    uint8 = 3
)

// Open is a decoded OPEN message. Capabilities from every capabilities
// parameter are collected in order; other optional parameters are kept opaque.
type Open struct {
	Version      uint8
	MyAS         uint16
	HoldTime     uint16
	BGPID        netip.Addr
	Capabilities []Capability
	Params       []OptParam
}

func (*Open) MsgType() uint8 { return MsgTypeOpen }
func (*Open) isBody()        {}

// OptParam is a non-capability optional parameter.
type OptParam struct {
	Type  uint8
	Value []byte
}

// Capability is implemented by the Cap* types.
type Capability interface {
	CapCode() uint8
	isCapability()
}

type CapMultiProtocol struct {
	Family Family
}

type CapRouteRefresh struct{}

type CapExtendedMessage struct{}

type CapFourOctetAS struct {
	ASN uint32
}

type CapAddPath struct {
	Families []AddPathFamily
}

type AddPathFamily struct {
	Family Family
	Mode   uint8
}

type CapGracefulRestart struct {
	Flags    uint8  // top 4 bits
	Time     uint16 // seconds, 12 bits
	Families []GracefulRestartFamily
}

type GracefulRestartFamily struct {
	Family Family
	Flags  uint8
}

// CapUnknown preserves a capability this package does not decode, or a known
// one whose value had an unexpected length.
type CapUnknown struct {
	Code  uint8
	Value []byte
}

func (*CapMultiProtocol) CapCode() uint8   { return CapCodeMultiProtocol }
func (*CapRouteRefresh) CapCode() uint8    { return CapCodeRouteRefresh }
func (*CapExtendedMessage) CapCode() uint8 { return CapCodeExtendedMessage }
func (*CapFourOctetAS) CapCode() uint8     { return CapCodeFourOctetAS }
func (*CapAddPath) CapCode() uint8         { return CapCodeAddPath }
func (*CapGracefulRestart) CapCode() uint8 { return CapCodeGracefulRestart }
func (c *CapUnknown) CapCode() uint8       { return c.Code }

func (*CapMultiProtocol) isCapability()   {}
func (*CapRouteRefresh) isCapability()    {}
func (*CapExtendedMessage) isCapability() {}
func (*CapFourOctetAS) isCapability()     {}
func (*CapAddPath) isCapability()         {}
func (*CapGracefulRestart) isCapability() {}
func (*CapUnknown) isCapability()         {}

// ASN returns the speaker's AS number, preferring the 4-octet AS capability.
func (o *Open) ASN() uint32 {
	for _, c := range o.Capabilities {
		if c, ok := c.(*CapFourOctetAS); ok {
			return c.ASN
		}
	}
	return uint32(o.MyAS)
}

// FourOctetAS reports whether the 4-octet AS capability was advertised.
func (o *Open) FourOctetAS() bool {
	for _, c := range o.Capabilities {
		if _, ok := c.(*CapFourOctetAS); ok {
			return true
		}
	}
	return false
}

// ExtendedMessage reports whether the extended message capability was advertised.
func (o *Open) ExtendedMessage() bool {
	for _, c := range o.Capabilities {
		if _, ok := c.(*CapExtendedMessage); ok {
			return true
		}
	}
	return false
}

// AddPathMode returns the advertised add-path mode for f, or 0.
func (o *Open) AddPathMode(f Family) uint8 {
	for _, c := range o.Capabilities {
		ap, ok := c.(*CapAddPath)
		if !ok {
			continue
		}
		for _, af := range ap.Families {
			if af.Family == f {
				return af.Mode
			}
		}
	}
	return 0
}

// ReceiveAddPath returns the families for which the speaker that sent local
// receives path identifiers from the speaker that sent remote (RFC 7911
// section 4).
func ReceiveAddPath(local, remote *Open) []Family {
	var out []Family
	for _, c := range remote.Capabilities {
		ap, ok := c.(*CapAddPath)
		if !ok {
			continue
		}
		for _, af := range ap.Families {
			if af.Mode&AddPathSend != 0 && local.AddPathMode(af.Family)&AddPathReceive != 0 {
				out = append(out, af.Family)
			}
		}
	}
	return out
}

func decodeOpen(r *wire.Reader) (*Open, error) {
	o := &Open{}
	var err error

	if o.Version, err = r.Uint8(); err != nil {
		return nil, err
	}
	if o.MyAS, err = r.Uint16(); err != nil {
		return nil, err
	}
	if o.HoldTime, err = r.Uint16(); err != nil {
		return nil, err
	}
	if o.BGPID, err = r.Addr(4); err != nil {
		return nil, err
	}

	optLen, err := r.Uint8()
	if err != nil {
		return nil, err
	}

	// RFC 9072: a non-extended length of 255 followed by type 255 switches to
	// 2-byte parameter lengths.
	extended := false
	paramsLen := int(optLen)
	if optLen == 255 {
		if peek, err := r.Peek(1); err == nil && peek[0] == optParamExtended {
			r.Skip(1)
			l, err := r.Uint16()
			if err != nil {
				return nil, err
			}
			paramsLen = int(l)
			extended = true
		}
	}

	params, err := r.Sub(paramsLen)
	if err != nil {
		return nil, err
	}
	for params.Len() > 0 {
		ptype, err := params.Uint8()
		if err != nil {
			return nil, err
		}
		var plen int
		if extended {
			l, err := params.Uint16()
			if err != nil {
				return nil, err
			}
			plen = int(l)
		} else {
			l, err := params.Uint8()
			if err != nil {
				return nil, err
			}
			plen = int(l)
		}
		pr, err := params.Sub(plen)
		if err != nil {
			return nil, err
		}
		if ptype == OptParamCapabilities {
			caps, err := decodeCapabilities(pr)
			if err != nil {
				return nil, err
			}
			o.Capabilities = append(o.Capabilities, caps...)
			continue
		}
		o.Params = append(o.Params, OptParam{Type: ptype, Value: pr.CopyRest()})
	}

	// Trailing bytes after the parameters are ignored.
	r.SkipRest()
	return o, nil
}

func decodeCapabilities(r *wire.Reader) ([]Capability, error) {
	var caps []Capability
	for r.Len() > 0 {
		code, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		l, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		cr, err := r.Sub(int(l))
		if err != nil {
			return nil, err
		}
		caps = append(caps, decodeCapability(code, cr))
	}
	return caps, nil
}

func decodeCapability(code uint8, r *wire.Reader) Capability {
	n := r.Len()
	switch {
	case code == CapCodeMultiProtocol && n == 4:
		afi, _ := r.Uint16()
		r.Skip(1)
		safi, _ := r.Uint8()
		return &CapMultiProtocol{Family: Family{AFI: afi, SAFI: safi}}
	case code == CapCodeRouteRefresh && n == 0:
		return &CapRouteRefresh{}
	case code == CapCodeExtendedMessage && n == 0:
		return &CapExtendedMessage{}
	case code == CapCodeFourOctetAS && n == 4:
		asn, _ := r.Uint32()
		return &CapFourOctetAS{ASN: asn}
	case code == CapCodeAddPath && n > 0 && n%4 == 0:
		c := &CapAddPath{}
		for r.Len() > 0 {
			afi, _ := r.Uint16()
			safi, _ := r.Uint8()
			mode, _ := r.Uint8()
			c.Families = append(c.Families, AddPathFamily{Family: Family{afi, safi}, Mode: mode})
		}
		return c
	case code == CapCodeGracefulRestart && n >= 2 && (n-2)%4 == 0:
		v, _ := r.Uint16()
		c := &CapGracefulRestart{Flags: uint8(v >> 12), Time: v & 0x0FFF}
		for r.Len() > 0 {
			afi, _ := r.Uint16()
			safi, _ := r.Uint8()
			flags, _ := r.Uint8()
			c.Families = append(c.Families, GracefulRestartFamily{Family: Family{afi, safi}, Flags: flags})
		}
		return c
	}
	return &CapUnknown{Code: code, Value: r.CopyRest()}
}
