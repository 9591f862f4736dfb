package fetch

import (
	"time"

	"github.com/coursegrab/coursegrab/internal/task"
)

// Envelope is a per-request timeout budget: how long to establish the
// connection, how long between body reads, and how long the whole transfer
// may take. A dead connection is caught by Connect/Read quickly while a
// slow-but-alive video transfer is given the full Total budget.
type Envelope struct {
	Connect time.Duration
	Read    time.Duration
	Total   time.Duration
}

var (
	envelopeLong   = Envelope{Connect: 30 * time.Second, Read: 60 * time.Second, Total: 10 * time.Minute}
	envelopeMedium = Envelope{Connect: 15 * time.Second, Read: 30 * time.Second, Total: 2 * time.Minute}
	envelopeShort  = Envelope{Connect: 10 * time.Second, Read: 15 * time.Second, Total: time.Minute}
)

// EnvelopeFor picks the timeout envelope for a file class.
func EnvelopeFor(class task.FileClass) Envelope {
	switch class {
	case task.ClassVideo:
		return envelopeLong
	case task.ClassPDF:
		return envelopeMedium
	default:
		return envelopeShort
	}
}
