package llm

import "fmt"

// TransportError reports a failed exchange with the backend: a network
// failure, a non-2xx status, or a body that broke off mid-stream.
type TransportError struct {
	StatusCode int // zero when no response was received
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("backend request failed: %v", e.Err)
	}
	return "backend request failed"
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError describes a stream event that could not be decoded.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("decode stream event: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
