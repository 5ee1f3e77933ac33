package executor

import (
	"encoding/json"
	"fmt"
)

// InvalidSignatureError is the error text of the Result synthesized when a
// received message fails signature verification. The processor is never
// invoked for such a message.
const InvalidSignatureError = "invalid signature"

// Result is one command outcome. It is a closed tagged variant: ordinary
// success (possibly with opaque data), a request for more input, or a
// failure. It crosses the wire as JSON; the transport layers never inspect
// Data.
type Result struct {
	Success        bool            `json:"success"`
	InputRequested bool            `json:"input_requested,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Stdout         string          `json:"stdout,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// OK returns a successful Result carrying captured output.
func OK(stdout string) Result {
	return Result{Success: true, Stdout: stdout}
}

// Fail returns a failed Result. Output captured before the failure is
// still carried.
func Fail(errText, stdout string) Result {
	return Result{Success: false, Error: errText, Stdout: stdout}
}

// Failf is Fail with formatting and no captured output.
func Failf(format string, args ...interface{}) Result {
	return Fail(fmt.Sprintf(format, args...), "")
}

// InputRequest returns the Result sent when a command needs more input.
// The prompt (the processor's buffered output so far) rides in Stdout.
func InputRequest(prompt string) Result {
	return Result{Success: true, InputRequested: true, Stdout: prompt}
}

// InvalidSignature returns the failure synthesized for a message that did
// not verify, delivered as if the processor had produced it.
func InvalidSignature() Result {
	return Fail(InvalidSignatureError, "")
}

// WithData attaches v, JSON-encoded, as the opaque data payload.
func (r Result) WithData(v interface{}) (Result, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return r, fmt.Errorf("encoding result data: %w", err)
	}
	r.Data = raw
	return r, nil
}

// Pack serializes the Result for transport.
func (r Result) Pack() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("packing result: %w", err)
	}
	return b, nil
}

// Unpack deserializes a Result received from the peer.
func Unpack(b []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(b, &r); err != nil {
		return Result{}, fmt.Errorf("unpacking result: %w", err)
	}
	return r, nil
}
