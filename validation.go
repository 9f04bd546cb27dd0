package fins

import "errors"

// ValidateFlags controls optional, stricter validation behavior shared by every
// frame's ValidateSize/ValidateExceptCRC methods across the ethernet, arp, ipv4,
// udp and tcp packages.
type ValidateFlags uint32

const (
	// ValidateEvilBit makes IPv4 validation reject packets with the evil bit
	// (RFC 3514) set. Off by default since the bit carries no operational meaning.
	ValidateEvilBit ValidateFlags = 1 << iota
)

// Validator accumulates validation errors encountered while inspecting a frame.
// Every protocol subpackage's ValidateSize/ValidateExceptCRC methods take a
// *Validator so callers can share one error-accumulation policy across layers
// of an encapsulated packet (Ethernet -> IPv4 -> UDP, say) instead of stopping
// at the first error found.
//
// The zero value is ready to use and accumulates only the first error seen;
// call AllowMultipleErrors to collect every error instead.
type Validator struct {
	flags          ValidateFlags
	allowMultiErrs bool
	accum          []error
}

// AllowMultipleErrors controls whether AddError accumulates every error passed to
// it (true) or only ever retains the first one until ResetErr is called (false,
// the default).
func (v *Validator) AllowMultipleErrors(allow bool) { v.allowMultiErrs = allow }

// SetFlags sets the validation flags used by subsequent validation calls.
func (v *Validator) SetFlags(flags ValidateFlags) { v.flags = flags }

// Flags returns the validation flags currently set on v.
func (v *Validator) Flags() ValidateFlags { return v.flags }

// AddError registers a validation error. It panics if err is nil. Unless
// AllowMultipleErrors was called with true, only the first error added since
// the last ResetErr is retained.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("fins: AddError called with nil error")
	}
	if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}

// AddBitPosErr registers a validation error attributed to the bitWidth-wide
// field starting at bit offset bitPos within the frame being validated. The
// position is informational only (for logging/debugging); accumulation
// follows the same first-error-wins-unless-AllowMultipleErrors policy as
// AddError. It panics if err is nil.
func (v *Validator) AddBitPosErr(bitPos, bitWidth int, err error) {
	v.AddError(err)
}

// HasError reports whether any error has been registered since the last ResetErr.
func (v *Validator) HasError() bool { return len(v.accum) != 0 }

// Err returns all accumulated errors joined with errors.Join, or nil if none
// were registered.
func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// ErrPop returns and clears the accumulated error, equivalent to calling Err
// followed by ResetErr.
func (v *Validator) ErrPop() error {
	err := v.Err()
	v.ResetErr()
	return err
}

// ResetErr discards all accumulated errors, readying v for reuse on a new frame.
// Flags and the AllowMultipleErrors setting are left untouched.
func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}
