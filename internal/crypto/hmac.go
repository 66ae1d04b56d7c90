package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HMACAuth holds the credentials for HMAC-authenticated exchange requests.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret
}

// Sign computes HMAC-SHA256 of the canonical query string and returns it as
// lowercase hex, the signature format the exchange expects.
func (h *HMACAuth) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery adds the current millisecond timestamp and the signature to
// params and returns the encoded query string ready to append to a request.
func (h *HMACAuth) SignedQuery(params url.Values) string {
	return h.SignedQueryAt(params, time.Now())
}

// SignedQueryAt is like SignedQuery with a caller-supplied timestamp, for
// deterministic testing.
func (h *HMACAuth) SignedQueryAt(params url.Values, at time.Time) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(at.UnixMilli(), 10))
	query := params.Encode()
	return query + "&signature=" + h.Sign(query)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
