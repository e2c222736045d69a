package capture

import "strings"

// DefaultEncodings is the preference order tried when none is configured.
var DefaultEncodings = []string{
	"audio/webm;codecs=opus",
	"audio/ogg;codecs=opus",
	"audio/mp4",
	"audio/webm",
}

// FallbackEncoding is used when no candidate is supported.
const FallbackEncoding = "audio/webm"

// ChooseEncoding returns the first candidate supports accepts, or fallback.
func ChooseEncoding(candidates []string, supports func(mime string) bool, fallback string) string {
	if supports == nil {
		return fallback
	}
	for _, mime := range candidates {
		if supports(mime) {
			return mime
		}
	}
	return fallback
}

// ExtensionFor maps an audio MIME type to the file extension used on upload.
func ExtensionFor(mime string) string {
	base, _, _ := strings.Cut(strings.ToLower(mime), ";")
	switch strings.TrimSpace(base) {
	case "audio/ogg":
		return "ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a", "audio/aac":
		return "m4a"
	default:
		return "webm"
	}
}
