package reader

import (
	"github.com/ticketdesk-io/ticketdesk/internal/models"
)

// Router picks the active reader from the settings snapshot. It is consulted
// on every call rather than cached, since the protocol selector can change
// between polls.
type Router struct {
	imap Reader
	pop3 Reader
	null Reader
}

// NewRouter wires the protocol readers behind a single selection seam.
func NewRouter(imap, pop3 Reader) *Router {
	return &Router{imap: imap, pop3: pop3, null: NullReader{}}
}

// For returns the reader matching the snapshot's protocol selector. An empty
// selector defaults to IMAP; anything unrecognized gets the null reader.
func (r *Router) For(st models.IngestSettings) Reader {
	switch st.Protocol {
	case models.ProtocolPOP3:
		return r.pop3
	case models.ProtocolIMAP, "":
		return r.imap
	default:
		return r.null
	}
}
