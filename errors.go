package fins

// type ErrorPacketDrop struct {
// 	Message string
// }

// var genericErrPacketDrop = &ErrorPacketDrop{Message: ErrPacketDrop.Error()}

// // ErrGenericPacketDrop returns the generic packet drop error. It performs no allocations.
// func ErrGenericPacketDrop() error {
// 	return genericErrPacketDrop
// }

// func (err *ErrorPacketDrop) Error() string {
// 	return err.Message
// }

type errGeneric uint8

// Generic errors common to internet functioning.
const (
	_                     errGeneric = iota // non-initialized err
	ErrBug                                  // fins-bug(use build tag "debugheaplog")
	ErrPacketDrop                           // packet dropped
	ErrBadCRC                               // incorrect checksum
	ErrZeroSource                           // zero source(port/addr)
	ErrZeroDestination                      // zero destination(port/addr)
	ErrInvalidLengthField                   // length field inconsistent with buffer
	ErrInvalidField                         // field holds a value outside its valid range
	ErrShortBuffer                          // buffer too small to hold a valid frame
	ErrMismatch                             // value does not match the expected one
	ErrInvalidConfig                        // invalid configuration
)

func (err errGeneric) Error() string {
	return err.String()
}

func (err errGeneric) String() string {
	switch err {
	case ErrBug:
		return "fins-bug(use build tag \"debugheaplog\")"
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrZeroSource:
		return "zero source(port/addr)"
	case ErrZeroDestination:
		return "zero destination(port/addr)"
	case ErrInvalidLengthField:
		return "invalid length field"
	case ErrInvalidField:
		return "invalid field value"
	case ErrShortBuffer:
		return "short buffer"
	case ErrMismatch:
		return "mismatch"
	case ErrInvalidConfig:
		return "invalid configuration"
	default:
		return "non-initialized err"
	}
}
