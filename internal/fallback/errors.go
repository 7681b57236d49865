package fallback

import "errors"

var (
	ErrProviderUnavailable = errors.New("vision provider unavailable")
	ErrInferenceTimeout    = errors.New("vision inference timeout")
	ErrInvalidResponse     = errors.New("vision provider returned invalid response")
)
