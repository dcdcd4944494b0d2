package messaging

import (
	"context"
	"sort"
)

// BindingElement is one stage of a channel's message pipeline.
//
// Both hooks report the protection they applied. applied=false means the
// message kind or version is outside the element's scope, which is distinct
// from a non-nil error meaning the element applied and the message failed.
type BindingElement interface {
	// Protection is the protection the element is able to provide.
	Protection() Protections
	ProcessOutgoing(ctx context.Context, msg Message) (p Protections, applied bool, err error)
	ProcessIncoming(ctx context.Context, msg Message) (p Protections, applied bool, err error)
}

// orderElements sorts elements for outgoing processing: plain transforms
// first, then expiration, replay and finally signing, so the signature covers
// every stamp. Incoming processing walks the result backwards.
func orderElements(elements []BindingElement) ([]BindingElement, error) {
	out := make([]BindingElement, len(elements))
	copy(out, elements)
	seen := None
	for _, e := range out {
		p := e.Protection()
		if p != None && seen&p != 0 {
			return nil, ConfigurationError(nil, "more than one binding element provides %s", p&seen)
		}
		seen |= p
	}
	sort.SliceStable(out, func(i, j int) bool {
		return pipelineRank(out[i].Protection()) < pipelineRank(out[j].Protection())
	})
	return out, nil
}

func (c *Channel) processOutgoing(ctx context.Context, msg Message) (Protections, error) {
	applied := None
	for _, e := range c.outgoing {
		p, ok, err := e.ProcessOutgoing(ctx, msg)
		if err != nil {
			return applied, err
		}
		if ok {
			applied |= p
		}
	}
	return applied, nil
}

func (c *Channel) processIncoming(ctx context.Context, msg Message) (Protections, error) {
	applied := None
	for i := len(c.outgoing) - 1; i >= 0; i-- {
		p, ok, err := c.outgoing[i].ProcessIncoming(ctx, msg)
		if err != nil {
			return applied, err
		}
		if ok {
			applied |= p
		}
	}
	return applied, nil
}

// capable is the union of protections the pipeline can provide at all.
func (c *Channel) capable() Protections {
	p := None
	for _, e := range c.outgoing {
		p |= e.Protection()
	}
	return p
}
