package channel

import "context"

// Adapter is the base interface every channel adapter must implement.
// Credentials and routing scope arrive as the target's config map; adapters
// never read global state.
type Adapter interface {
	Type() ChannelType
	Descriptor() Descriptor

	// NormalizeAddress applies the channel's address canonicalization
	// (case-folded email, digit-only phone, trimmed scoped IDs).
	NormalizeAddress(raw string) string

	// Normalize converts a raw provider payload into a canonical event.
	// Malformed payloads return an error; dedup happens later.
	Normalize(raw RawInbound) (InboundEvent, error)

	// SelfAddresses lists the outbound addresses owned by the given target
	// config, used for self-send suppression.
	SelfAddresses(credentials map[string]any) []string
}

// Sender delivers an outbound message through the provider.
// Implementations must not panic past the send boundary: every provider
// failure is folded into the returned SendOutcome.
type Sender interface {
	Send(ctx context.Context, credentials map[string]any, req SendRequest) SendOutcome
}

// EchoMarker reports whether a provider payload is the business's own
// outbound send echoed back through the inbound path.
type EchoMarker interface {
	IsEcho(raw RawInbound) bool
}
