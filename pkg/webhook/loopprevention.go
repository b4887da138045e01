package webhook

import (
	"strings"

	"github.com/afoxnyc3/invoice-agent/pkg/mailclient"
)

// LoopPrevention filters emails the pipeline must never act on, so a
// reply the pipeline itself sent can never re-trigger processing.
type LoopPrevention struct {
	monitoredMailbox string
	apAddress        string
	systemPrefixes   []string
}

// NewLoopPrevention builds a LoopPrevention filter.
func NewLoopPrevention(monitoredMailbox, apAddress string, systemPrefixes []string) *LoopPrevention {
	return &LoopPrevention{monitoredMailbox: strings.ToLower(monitoredMailbox), apAddress: strings.ToLower(apAddress), systemPrefixes: systemPrefixes}
}

// ShouldDiscard reports whether email must be dropped before any
// attachment is downloaded.
func (lp *LoopPrevention) ShouldDiscard(email mailclient.Email) (bool, string) {
	from := strings.ToLower(email.From)
	if from == lp.monitoredMailbox || from == lp.apAddress {
		return true, "sender is the monitored mailbox or AP mailbox"
	}
	for _, prefix := range lp.systemPrefixes {
		if strings.HasPrefix(email.Subject, prefix) {
			return true, "subject carries a system-generated prefix"
		}
	}
	if len(email.AttachmentIDs) == 0 {
		return true, "email has no attachment"
	}
	return false, ""
}
