package secrets

import "log/slog"

// Value is an opaque holder for an in-memory secret (plaintext private key,
// shared webhook secret). It prints as a fixed placeholder through fmt, slog,
// and JSON so a secret cannot leak into logs by accident; the wrapped string
// is only unwrapped at the point of use via Reveal.
type Value struct {
	inner string
}

const placeholder = "[redacted]"

// NewValue wraps a plaintext secret.
func NewValue(s string) Value {
	return Value{inner: s}
}

// Reveal returns the wrapped plaintext.
func (v Value) Reveal() string {
	return v.inner
}

// IsZero reports whether no secret is held.
func (v Value) IsZero() bool {
	return v.inner == ""
}

// String implements fmt.Stringer.
func (v Value) String() string {
	return placeholder
}

// GoString keeps %#v output redacted as well.
func (v Value) GoString() string {
	return "secrets.Value(" + placeholder + ")"
}

// LogValue implements slog.LogValuer.
func (v Value) LogValue() slog.Value {
	return slog.StringValue(placeholder)
}

// MarshalJSON always emits the placeholder.
func (v Value) MarshalJSON() ([]byte, error) {
	return []byte(`"` + placeholder + `"`), nil
}
