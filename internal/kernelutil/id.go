package kernelutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID returns a secure random hex identifier, for any id that
// is not the dense small-integer actor/module id space (violation and
// anomaly record ids, generated sample-stream job ids).
func GenerateID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
