package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/url"
	"sort"
)

// Signature headers sent by each telephony provider.
const (
	HeaderExotelSignature = "X-Exotel-Signature"
	HeaderPlivoSignature  = "X-Plivo-Signature-V2"
	HeaderPlivoNonce      = "X-Plivo-Signature-V2-Nonce"
	HeaderTwilioSignature = "X-Twilio-Signature"

	// HeaderIdempotencyKey lets a sender pin the dedup key for a delivery
	// instead of the default body fingerprint.
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

var (
	ErrMissingSignature = errors.New("signature header missing")
	ErrMissingNonce     = errors.New("nonce header missing")
	ErrInvalidSignature = errors.New("signature mismatch")
)

// VerifyExotel checks an Exotel delivery: the signature header carries the
// base64 HMAC-SHA1 of the raw request body under the tenant webhook secret.
func VerifyExotel(secret string, body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyPlivo checks a Plivo V2 delivery: the signature is the base64
// HMAC-SHA256 of the nonce header concatenated with the raw body.
func VerifyPlivo(authToken string, body []byte, nonce, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if nonce == "" {
		return ErrMissingNonce
	}
	mac := hmac.New(sha256.New, []byte(authToken))
	mac.Write([]byte(nonce))
	mac.Write(body)
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyTwilio checks a Twilio delivery: the signature is the base64
// HMAC-SHA1 of the full request URL followed by every form field sorted by
// key, each appended as key then value with no separator.
func VerifyTwilio(authToken, fullURL string, form url.Values, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL))
	for _, k := range keys {
		for _, v := range form[k] {
			mac.Write([]byte(k))
			mac.Write([]byte(v))
		}
	}
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
