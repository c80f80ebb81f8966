package ingest

import (
	"crypto/rand"
	"fmt"
	"time"
)

// codeAlphabet avoids 0/O and 1/I so codes survive being read over the phone.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewTrackingCode builds an externally visible code like PB-20260829-K3FQ7M.
func NewTrackingCode(prefix string, at time.Time) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), string(buf))
}
