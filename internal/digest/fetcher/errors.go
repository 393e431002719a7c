package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies why a source could not be fetched.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindNetwork  Kind = "network"
	KindServer   Kind = "server_error"
	KindClient   Kind = "client_error"
	KindParse    Kind = "parse"
	KindCanceled Kind = "canceled"
)

// Transient reports whether a failure of this kind is worth retrying.
func (k Kind) Transient() bool {
	switch k {
	case KindTimeout, KindNetwork, KindServer:
		return true
	}
	return false
}

// FetchError is a classified per-source failure. It never aborts the run.
type FetchError struct {
	SourceID   string
	Kind       Kind
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (HTTP %d): %v", e.SourceID, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.SourceID, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on another attempt.
func (e *FetchError) Transient() bool { return e.Kind.Transient() }

func isTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient()
}

// classifyTransport maps an HTTP client error to a Kind. parent is the
// run-level context; its cancellation wins over per-attempt timeouts.
func classifyTransport(parent context.Context, err error) Kind {
	if parent.Err() != nil {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return KindServer
	default:
		return KindClient
	}
}
