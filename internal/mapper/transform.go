package mapper

import "github.com/preardon/brighter-go/internal/message"

// Transformer implements one stage of a bidirectional wire transform, such
// as claim-check (replacing a large body with a reference) or compression.
type Transformer interface {
	// Wrap runs on the outbound path, e.g. publish or outbox insert.
	Wrap(m message.Message) (message.Message, error)
	// Unwrap reverses Wrap on the inbound path, e.g. channel receive.
	Unwrap(m message.Message) (message.Message, error)
}

// Pipeline chains Transformers. Wrap applies them in registration order;
// Unwrap applies them in reverse, so the last stage to wrap is the first to
// unwrap.
type Pipeline struct {
	stages []Transformer
}

// NewPipeline builds a pipeline from an ordered transformer chain.
func NewPipeline(stages ...Transformer) *Pipeline {
	return &Pipeline{stages: stages}
}

// Wrap runs the forward chain.
func (p *Pipeline) Wrap(m message.Message) (message.Message, error) {
	var err error
	for _, t := range p.stages {
		m, err = t.Wrap(m)
		if err != nil {
			return message.Message{}, err
		}
	}
	return m, nil
}

// Unwrap runs the reverse chain.
func (p *Pipeline) Unwrap(m message.Message) (message.Message, error) {
	var err error
	for i := len(p.stages) - 1; i >= 0; i-- {
		m, err = p.stages[i].Unwrap(m)
		if err != nil {
			return message.Message{}, err
		}
	}
	return m, nil
}
