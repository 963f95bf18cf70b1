package graph

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/common/extractor"
)

// APIError is the error object returned by the Graph API
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
	TraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("graph api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("graph api: %s (code %d, subcode %d, status %d)", e.Message, e.Code, e.Subcode, e.Status)
}

var (
	// throttling and temporary server-side failures
	transientCodes = map[int]bool{
		1:   true, // unknown error
		2:   true, // service temporarily unavailable
		4:   true, // application request limit
		17:  true, // user request limit
		32:  true, // page request limit
		341: true, // application limit
		613: true, // calls within one hour exceeded
	}

	fatalCodes = map[int]bool{
		10:  true, // permission denied
		100: true, // invalid parameter or unknown object
		102: true, // session key invalid
		190: true, // access token invalid or expired
		803: true, // unknown alias
	}
)

// classify marks err as transient or fatal from the API code and, when the
// code is unknown, the HTTP status
func classify(apiErr *APIError) error {
	switch {
	case transientCodes[apiErr.Code]:
		return extractor.Transient(apiErr)
	case apiErr.Code == 190 || apiErr.Code == 102:
		return extractor.Fatal(errors.WithHint(apiErr, "the access token expired or was revoked; supply a new one"))
	case apiErr.Code == 10 || (apiErr.Code >= 200 && apiErr.Code <= 299):
		return extractor.Fatal(errors.WithHint(apiErr, "the token lacks a permission this edge needs"))
	case fatalCodes[apiErr.Code]:
		return extractor.Fatal(apiErr)
	}

	switch {
	case apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500:
		return extractor.Transient(apiErr)
	case apiErr.Status >= 400:
		return extractor.Fatal(apiErr)
	default:
		// error object on a 2xx response with an unknown code
		return extractor.Transient(apiErr)
	}
}
