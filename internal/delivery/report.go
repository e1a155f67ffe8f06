package delivery

import (
	"fmt"
	"io"

	"github.com/shineum/mailmerge-lite/internal/provider"
)

// Failure is a recipient whose message was not sent.
type Failure struct {
	Recipient string
	Reason    provider.FailureKind
}

// Report is the outcome of one run. Recipients are rendered as "Name <address>".
type Report struct {
	Successful []string
	Failed     []Failure
}

// Attempts returns the number of messages a send was attempted for.
func (r *Report) Attempts() int {
	return len(r.Successful) + len(r.Failed)
}

// Print writes the summary to w. The failure section is omitted when every
// message was sent.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\nEmails sent to %d recipients.\n", len(r.Successful))
	for _, s := range r.Successful {
		fmt.Fprintf(w, "\t- %s\n", s)
	}

	if len(r.Failed) == 0 {
		return
	}

	fmt.Fprintf(w, "\nEmails were NOT sent to %d recipients.\n", len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(w, "\t- %s\n", f.Recipient)
	}
}
