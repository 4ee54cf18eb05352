package netutil

const (
	iacSE   = 240
	iacSB   = 250
	iacWILL = 251
	iacDONT = 254
	iacByte = 255
)

type iacState int

const (
	iacData iacState = iota
	iacCommand
	iacOption
	iacSubneg
	iacSubnegIAC
)

// IACStripper removes telnet negotiation sequences from a byte stream. It
// keeps state between chunks so sequences split across reads are handled.
type IACStripper struct {
	state iacState
}

func (s *IACStripper) Filter(in []byte) []byte {
	out := in[:0:0]
	for _, b := range in {
		switch s.state {
		case iacData:
			if b == iacByte {
				s.state = iacCommand
				continue
			}
			out = append(out, b)
		case iacCommand:
			switch {
			case b == iacByte:
				// escaped 0xFF data byte; not valid text, drop it
				s.state = iacData
			case b >= iacWILL && b <= iacDONT:
				s.state = iacOption
			case b == iacSB:
				s.state = iacSubneg
			default:
				s.state = iacData
			}
		case iacOption:
			s.state = iacData
		case iacSubneg:
			if b == iacByte {
				s.state = iacSubnegIAC
			}
		case iacSubnegIAC:
			if b == iacSE {
				s.state = iacData
			} else {
				s.state = iacSubneg
			}
		}
	}
	return out
}
