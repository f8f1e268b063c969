package sender

import (
	"fmt"
	"time"
)

type Kind int

const (
	KindSent Kind = iota
	KindSkipped
	KindDeferred
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindSkipped:
		return "skipped"
	case KindDeferred:
		return "deferred"
	case KindFailed:
		return "failed"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the result of one send attempt. Callers switch on Kind.
type Outcome struct {
	Kind      Kind
	Reason    string    // Skipped and Deferred
	Until     time.Time // Deferred
	Err       error     // Failed
	MessageID string    // Sent
	CostUSD   float64   // Sent: AI plus transport
}

func Sent(messageID string, costUSD float64) Outcome {
	return Outcome{Kind: KindSent, MessageID: messageID, CostUSD: costUSD}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: KindSkipped, Reason: reason}
}

func Deferred(until time.Time, reason string) Outcome {
	return Outcome{Kind: KindDeferred, Until: until, Reason: reason}
}

func Failed(err error) Outcome {
	return Outcome{Kind: KindFailed, Err: err}
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSkipped:
		return "skipped: " + o.Reason
	case KindDeferred:
		return fmt.Sprintf("deferred until %s: %s", o.Until.Format(time.RFC3339), o.Reason)
	case KindFailed:
		return fmt.Sprintf("failed: %v", o.Err)
	}
	return o.Kind.String()
}

// Skip reasons
const (
	ReasonNotSendable     = "prospect not sendable"
	ReasonNoVerifiedEmail = "no verified email"
	ReasonAlreadySent     = "step already sent"
	ReasonNoDiscovery     = "email discovery not configured"
)
