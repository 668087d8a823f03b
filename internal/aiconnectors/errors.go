package aiconnectors

import "github.com/valenai/internal/retry"

var credentialMarkers = []string{
	"api key not valid",
	"invalid api key",
	"api_key_invalid",
	"permission denied",
	"permissiondenied",
	"unauthenticated",
	"401",
	"403",
}

var quotaMarkers = []string{
	"429",
	"quota",
	"resource has been exhausted",
	"resource_exhausted",
	"resourceexhausted",
	"rate limit",
}

// IsCredentialError reports whether the provider rejected the API key.
func IsCredentialError(err error) bool {
	return matchesAny(err, credentialMarkers)
}

// IsQuotaError reports whether the API key ran out of quota.
func IsQuotaError(err error) bool {
	return matchesAny(err, quotaMarkers)
}

func matchesAny(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range markers {
		if retry.Contains(msg, m) {
			return true
		}
	}
	return false
}
