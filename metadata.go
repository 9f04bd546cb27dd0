package fins

// Metadata is the typed key/value sidecar attached to a data Frame. It exists
// so cross-layer hints (source/destination address and port, protocol
// number) can travel alongside a PDU without widening the PDU format itself.
// Known keys are documented as constants below, each naming the byte order
// its value must carry; unknown keys are ignored by readers but preserved by
// Clone.
//
// The zero value is an empty, ready-to-use Metadata.
type Metadata struct {
	u32 map[string]uint32
	i32 map[string]int32
	str map[string]string
}

// Well-known metadata keys. Numeric values (ipsrc, ipdst, portsrc, portdst)
// are always stored in network byte order; SetU32/U32 do not convert, so
// callers that construct or read these keys are responsible for converting
// at the edge where they first touch the value, per SPEC_FULL.md §3.
const (
	KeyIPSrc    = "ipsrc"
	KeyIPDst    = "ipdst"
	KeyPortSrc  = "portsrc"
	KeyPortDst  = "portdst"
	KeyProtocol = "protocol"
	KeyEthSrc   = "ethsrc"
	KeyEthDst   = "ethdst"
	KeyEthType  = "ethertype"
)

// SetU32 stores a network-byte-order unsigned 32-bit value under key.
func (m *Metadata) SetU32(key string, v uint32) {
	if m.u32 == nil {
		m.u32 = make(map[string]uint32, 4)
	}
	m.u32[key] = v
}

// U32 returns the value stored under key and whether it was present.
func (m Metadata) U32(key string) (v uint32, ok bool) {
	v, ok = m.u32[key]
	return v, ok
}

// SetI32 stores a signed 32-bit value under key.
func (m *Metadata) SetI32(key string, v int32) {
	if m.i32 == nil {
		m.i32 = make(map[string]int32, 2)
	}
	m.i32[key] = v
}

// I32 returns the value stored under key and whether it was present.
func (m Metadata) I32(key string) (v int32, ok bool) {
	v, ok = m.i32[key]
	return v, ok
}

// SetStr stores a string value under key.
func (m *Metadata) SetStr(key string, v string) {
	if m.str == nil {
		m.str = make(map[string]string, 2)
	}
	m.str[key] = v
}

// Str returns the value stored under key and whether it was present.
func (m Metadata) Str(key string) (v string, ok bool) {
	v, ok = m.str[key]
	return v, ok
}

// Clone returns a shallow copy of m: a new set of maps with the same scalar
// values, safe to mutate independently of m. Scalar values need no deep copy
// since uint32/int32/string are all copied by value in Go.
func (m Metadata) Clone() Metadata {
	cp := Metadata{}
	if len(m.u32) > 0 {
		cp.u32 = make(map[string]uint32, len(m.u32))
		for k, v := range m.u32 {
			cp.u32[k] = v
		}
	}
	if len(m.i32) > 0 {
		cp.i32 = make(map[string]int32, len(m.i32))
		for k, v := range m.i32 {
			cp.i32[k] = v
		}
	}
	if len(m.str) > 0 {
		cp.str = make(map[string]string, len(m.str))
		for k, v := range m.str {
			cp.str[k] = v
		}
	}
	return cp
}
