package fetch

import (
	"fmt"
	"net/netip"

	"github.com/ashita-ai/shirushi/internal/model"
)

// InvalidURLError is returned for URLs that fail validation.
type InvalidURLError struct {
	URL    string
	Reason string
}

func (e *InvalidURLError) ErrorKind() model.Kind { return model.KindValidation }

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("fetch: invalid URL %q: %s", e.URL, e.Reason)
}

// PrivateAddressError is returned when a host resolves to a non-public
// address. No connection has been attempted.
type PrivateAddressError struct {
	Host string
	Addr netip.Addr
}

func (e *PrivateAddressError) ErrorKind() model.Kind { return model.KindValidation }

func (e *PrivateAddressError) Error() string {
	return fmt.Sprintf("fetch: host %s resolves to non-public address %s", e.Host, e.Addr)
}

// SizeLimitError is returned when a body exceeds the byte ceiling. Size is
// the declared Content-Length, or -1 when the cap was hit while streaming.
type SizeLimitError struct {
	Limit int64
	Size  int64
}

func (e *SizeLimitError) ErrorKind() model.Kind { return model.KindSizeLimit }

func (e *SizeLimitError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("fetch: response body exceeds %d bytes", e.Limit)
	}
	return fmt.Sprintf("fetch: declared content length %d exceeds %d bytes", e.Size, e.Limit)
}

// TimeoutError is returned when the per-call deadline expires.
type TimeoutError struct {
	URL string
	Err error
}

func (e *TimeoutError) ErrorKind() model.Kind { return model.KindUpstreamTimeout }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch: %s: timed out: %v", e.URL, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UpstreamError covers transport failures and non-2xx responses.
type UpstreamError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamError) ErrorKind() model.Kind { return model.KindUpstream }

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch: %s: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
