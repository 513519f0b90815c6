package utils

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"
)

// NewSessionID returns a short random identifier for a media session.
func NewSessionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("sess-%08x", mathrand.Uint32())
	}
	return fmt.Sprintf("sess-%x", b)
}

// NewSsrc returns a random non-zero SSRC.
func NewSsrc() uint32 {
	b := make([]byte, 4)
	for {
		var ssrc uint32
		if _, err := rand.Read(b); err != nil {
			ssrc = mathrand.Uint32()
		} else {
			ssrc = binary.BigEndian.Uint32(b)
		}
		if ssrc != 0 {
			return ssrc
		}
	}
}
