package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across the funnel.
var (
	ErrSignatureInvalid    = errors.New("invalid signature")
	ErrPayloadMalformed    = errors.New("malformed payload")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamHTTP        = errors.New("upstream http error")
	ErrMissingCredential   = errors.New("missing credential")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrUnsupported         = errors.New("unsupported")
)

// UpstreamHTTPError carries the status code of a failed upstream call.
type UpstreamHTTPError struct {
	Status int
	Body   string
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Body)
}

// Is matches ErrUpstreamHTTP.
func (e *UpstreamHTTPError) Is(target error) bool {
	return target == ErrUpstreamHTTP
}
