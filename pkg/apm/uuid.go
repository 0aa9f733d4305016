package apm

import "github.com/google/uuid"

// newUUIDHex returns a random UUID rendered as a bare 32-hex-digit string
// (no dashes), matching the undashed id format Elastic APM error records
// use elsewhere in this package.
func newUUIDHex() string {
	id := uuid.New()
	return hexNoDashes(id)
}

func hexNoDashes(id uuid.UUID) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 32)
	for i, b := range id {
		buf[i*2] = hexDigits[b>>4]
		buf[i*2+1] = hexDigits[b&0x0f]
	}
	return string(buf)
}
