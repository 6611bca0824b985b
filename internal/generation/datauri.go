package generation

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/coverflow-ai/coverflow/internal/staging"
)

var (
	ErrImageTooLarge = errors.New("image exceeds size limit")
	ErrNotAnImage    = errors.New("payload is not a supported image")
)

// DecodeImage accepts either a data URI (data:image/png;base64,...) or bare
// base64 and returns the bytes with a staging kind taken from the content
// itself, not from the declared type.
func DecodeImage(s string, maxBytes int) ([]byte, string, error) {
	payload := strings.TrimSpace(s)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, "", fmt.Errorf("%w: malformed data uri", ErrNotAnImage)
		}
		header := payload[len("data:"):comma]
		if !strings.HasSuffix(header, ";base64") {
			return nil, "", fmt.Errorf("%w: data uri must be base64 encoded", ErrNotAnImage)
		}
		payload = payload[comma+1:]
	}

	if maxBytes > 0 && base64.StdEncoding.DecodedLen(len(payload)) > maxBytes+2 {
		return nil, "", ErrImageTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, "", fmt.Errorf("%w: invalid base64", ErrNotAnImage)
		}
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrNotAnImage)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return nil, "", ErrImageTooLarge
	}

	kind, err := staging.NormalizeKind(mimetype.Detect(data).Extension())
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}
	return data, kind, nil
}
