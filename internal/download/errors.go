package download

import "errors"

var (
	// ErrFetch marks failures talking to the remote host. Download reports
	// them as "Failed to download model" rather than as a generic error.
	ErrFetch = errors.New("fetch_failed")

	// ErrHTTPStatus indicates the remote host answered with an error status
	ErrHTTPStatus = errors.New("http_status")

	// ErrAlreadyDownloading indicates another download holds the model's lock
	ErrAlreadyDownloading = errors.New("already_downloading")

	// ErrUnsupportedImage indicates the preview is not a decodable image
	ErrUnsupportedImage = errors.New("unsupported_image")

	// ErrMissingParameter indicates a required request field is absent
	ErrMissingParameter = errors.New("missing_parameter")
)
