package bgp

import (
	"net/netip"

	"github.com/route-beacon/rib-decoder/internal/wire"
)

// MPReach is the MP_REACH_NLRI attribute (RFC 4760). NextHops holds one
// address, or a global and a link-local IPv6 address. NLRI is nil for the
// abbreviated MRT form, which carries only a next hop.
type MPReach struct {
	Family   Family
	NextHops []netip.Addr
	NLRI     NLRI
}

func (*MPReach) AttrType() uint8 { return AttrTypeMPReachNLRI }
func (*MPReach) isAttrValue()    {}

// MPUnreach is the MP_UNREACH_NLRI attribute. EndOfRIB is set when nothing
// follows the AFI and SAFI (RFC 4724).
type MPUnreach struct {
	Family   Family
	NLRI     NLRI
	EndOfRIB bool
}

func (*MPUnreach) AttrType() uint8 { return AttrTypeMPUnreachNLRI }
func (*MPUnreach) isAttrValue()    {}

func decodeMPReach(opts Options, r *wire.Reader) (AttrValue, error) {
	// RFC 6396 section 4.3.4: TABLE_DUMP_V2 RIB entries only keep the next
	// hop length and address; the family comes from the RIB entry header.
	if !opts.ImpliedFamily.IsZero() {
		nhLen, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		nh, err := r.Sub(int(nhLen))
		if err != nil {
			return nil, err
		}
		hops, err := decodeNextHops(nh, opts.ImpliedFamily)
		if err != nil {
			return nil, err
		}
		return &MPReach{Family: opts.ImpliedFamily, NextHops: hops}, nil
	}

	afi, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	safi, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	fam := Family{AFI: afi, SAFI: safi}
	if !fam.Supported() {
		r.SkipRest()
		return nil, nil
	}

	nhLen, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	nh, err := r.Sub(int(nhLen))
	if err != nil {
		return nil, err
	}
	hops, err := decodeNextHops(nh, fam)
	if err != nil {
		return nil, err
	}

	// SNPAs (RFC 4760 reserved byte, formerly RFC 2858): count, then
	// length-in-semi-octets prefixed entries.
	snpas, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(snpas); i++ {
		l, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		if err := r.Skip((int(l) + 1) / 2); err != nil {
			return nil, err
		}
	}

	nlri, err := decodeNLRI(r, fam, opts.AddPathFor(fam))
	if err != nil {
		return nil, err
	}
	return &MPReach{Family: fam, NextHops: hops, NLRI: nlri}, nil
}

// decodeNextHops splits a next hop field of 4, 16 or 32 bytes, or the 12, 24
// and 48 byte VPN forms whose route distinguishers are dropped. Other lengths
// yield no addresses.
func decodeNextHops(r *wire.Reader, fam Family) ([]netip.Addr, error) {
	vpn := fam.SAFI == SAFIMPLSVPN || fam.SAFI == SAFILinkStateVPN

	var sizes []int
	switch l := r.Len(); {
	case vpn && l == 12, !vpn && l == 4:
		sizes = []int{4}
	case vpn && l == 24, !vpn && l == 16:
		sizes = []int{16}
	case vpn && l == 48, !vpn && l == 32:
		sizes = []int{16, 16}
	default:
		r.SkipRest()
		return nil, nil
	}

	hops := make([]netip.Addr, 0, len(sizes))
	for _, n := range sizes {
		if vpn {
			if err := r.Skip(8); err != nil {
				return nil, err
			}
		}
		a, err := r.Addr(n)
		if err != nil {
			return nil, err
		}
		hops = append(hops, a)
	}
	return hops, nil
}

func decodeMPUnreach(opts Options, r *wire.Reader) (AttrValue, error) {
	afi, err := r.Uint16()
	if err != nil {
		return nil, err
	}
	safi, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	fam := Family{AFI: afi, SAFI: safi}
	if r.Len() == 0 {
		return &MPUnreach{Family: fam, EndOfRIB: true}, nil
	}
	if !fam.Supported() {
		r.SkipRest()
		return nil, nil
	}
	nlri, err := decodeNLRI(r, fam, opts.AddPathFor(fam))
	if err != nil {
		return nil, err
	}
	return &MPUnreach{Family: fam, NLRI: nlri}, nil
}
