package message

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewRequestID mints a correlation id of the form req_<ms epoch>_<rand6>.
// HTTP handlers attach one to every device request that expects a reply.
func NewRequestID() string {
	var b [3]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("req_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}
