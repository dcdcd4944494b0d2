package messaging

import "strings"

// Protections is a set of guarantees a binding element contributes to a message.
type Protections uint8

const (
	// None is contributed by elements that transform a message without protecting it.
	None Protections = 0
	// TamperProtection is contributed by signing elements.
	TamperProtection Protections = 1 << iota
	// ExpirationProtection is contributed by timestamping elements.
	ExpirationProtection
	// ReplayProtection is contributed by nonce elements.
	ReplayProtection
	// Confidentiality is credited by the channel when the exchange runs over TLS.
	Confidentiality
)

// Has reports whether all of want are present in p.
func (p Protections) Has(want Protections) bool {
	return p&want == want
}

func (p Protections) String() string {
	if p == None {
		return "none"
	}
	var names []string
	if p.Has(TamperProtection) {
		names = append(names, "tamper")
	}
	if p.Has(ExpirationProtection) {
		names = append(names, "expiration")
	}
	if p.Has(ReplayProtection) {
		names = append(names, "replay")
	}
	if p.Has(Confidentiality) {
		names = append(names, "confidentiality")
	}
	return strings.Join(names, "|")
}

// pipelineRank orders elements for outgoing processing.
func pipelineRank(p Protections) int {
	switch {
	case p.Has(TamperProtection):
		return 3
	case p.Has(ReplayProtection):
		return 2
	case p.Has(ExpirationProtection):
		return 1
	default:
		return 0
	}
}
