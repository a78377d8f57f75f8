package memory

import "time"

// MessageKind classifies an outbox message.
type MessageKind string

const (
	KindVerification  MessageKind = "verifyEmail"
	KindPasswordReset MessageKind = "resetPassword"
	KindSMS           MessageKind = "sms"
)

// Message is a delivery the hosted platform would have sent.
type Message struct {
	Kind MessageKind
	To   string
	// Code is the SMS code or the out-of-band action code.
	Code string
	At   time.Time
}

// deliver appends m to the outbox. Callers hold mu.
func (p *Platform) deliver(m Message) {
	m.At = p.now().UTC()
	p.outbox = append(p.outbox, m)
	p.log.Info().Str("kind", string(m.Kind)).Str("to", m.To).Msg("message queued")
}

// Outbox returns every delivered message, oldest first.
func (p *Platform) Outbox() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.outbox))
	copy(out, p.outbox)
	return out
}

// LastMessage returns the newest message of kind sent to to.
func (p *Platform) LastMessage(kind MessageKind, to string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.outbox) - 1; i >= 0; i-- {
		m := p.outbox[i]
		if m.Kind == kind && m.To == to {
			return m, true
		}
	}
	return Message{}, false
}
