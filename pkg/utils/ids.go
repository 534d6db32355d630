package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	idMu     sync.Mutex
	idLastTS int64
	idSeq    int
)

// tsSeqID returns a sortable identifier of the form <prefix>_<unixnano>-<seq>.
// The sequence disambiguates IDs minted within the same nanosecond.
func tsSeqID(prefix string) string {
	idMu.Lock()
	defer idMu.Unlock()
	ts := time.Now().UnixNano()
	if ts == idLastTS {
		idSeq++
	} else {
		idLastTS = ts
		idSeq = 0
	}
	return fmt.Sprintf("%s_%d-%d", prefix, ts, idSeq)
}

// GenIdentityID mints a new identity ID.
func GenIdentityID() string { return tsSeqID("idn") }

// GenMessageID mints a new message ID. IDs sort by creation time, which the
// message key namespace relies on.
func GenMessageID() string { return tsSeqID("msg") }

// GenConversationID mints a new conversation ID.
func GenConversationID() string { return "conv_" + uuid.NewString() }

// GenAuditID mints a new audit record ID.
func GenAuditID() string { return "aud_" + uuid.NewString() }
