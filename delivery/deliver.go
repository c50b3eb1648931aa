package delivery

import (
	"fmt"

	"mailpipe/internal/message"
)

// CodeTransportFailure is the reserved reply code for connection-level
// faults. Real SMTP servers never produce it.
const CodeTransportFailure = -1

// Outcome is the single (code, message) result of one delivery attempt.
type Outcome struct {
	Code    int
	Message string
}

// Success reports whether the remote server accepted the message.
func (o Outcome) Success() bool {
	return message.IsSuccess(o.Code)
}

// IsTransportFailure reports whether o is the synthesized connection failure outcome.
func (o Outcome) IsTransportFailure() bool {
	return o.Code == CodeTransportFailure
}

func (o Outcome) String() string {
	return fmt.Sprintf("%d %s", o.Code, o.Message)
}

// TransportFailure builds the sentinel outcome for a connection-level fault.
func TransportFailure(format string, args ...any) Outcome {
	return Outcome{Code: CodeTransportFailure, Message: fmt.Sprintf(format, args...)}
}

// NoHost is the outcome used when no host could be resolved for a recipient.
func NoHost() Outcome {
	return Outcome{Code: CodeTransportFailure, Message: "No MX records for host"}
}
