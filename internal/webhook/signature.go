/**
 * @description
 * Signature verification for inbound payment notifications. Verification is an opaque
 * pass/fail capability bound to a shared secret; the validator never looks inside it.
 *
 * Key features:
 * - HMACVerifier: HMAC over the raw body, sha256 or sha1, hex or base64 encoded, with an
 *   optional "sha256=" / "sha1=" prefix and comma separated candidate lists.
 * - PaddleVerifier: delegates to the Paddle SDK's webhook verifier.
 * - Every comparison is constant time.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha1, crypto/sha256: digest computation.
 * - github.com/PaddleHQ/paddle-go-sdk/v4: Paddle-Signature verification.
 */
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

const (
	SchemeHMAC   = "hmac"
	SchemePaddle = "paddle"

	// PaddleSignatureHeader is the header the Paddle SDK reads the signature from.
	PaddleSignatureHeader = "Paddle-Signature"
)

var ErrMissingSecret = errors.New("webhook secret is not configured")

// SignatureVerifier checks a transport-supplied signature token against the raw body.
type SignatureVerifier interface {
	Verify(ctx context.Context, body []byte, signature string) bool
}

// NewSignatureVerifier builds the verifier for the configured scheme. An empty secret is
// only accepted when unsigned webhooks are explicitly allowed.
func NewSignatureVerifier(scheme, secret string, allowUnsigned bool) (SignatureVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		if allowUnsigned {
			return UnsignedVerifier{}, nil
		}
		return nil, ErrMissingSecret
	}

	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "", SchemeHMAC:
		return NewHMACVerifier(secret), nil
	case SchemePaddle:
		return NewPaddleVerifier(secret), nil
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", scheme)
	}
}

// UnsignedVerifier accepts everything. Local development only.
type UnsignedVerifier struct{}

func (UnsignedVerifier) Verify(context.Context, []byte, string) bool { return true }

type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(_ context.Context, body []byte, signature string) bool {
	header := strings.TrimSpace(signature)
	if header == "" || len(v.secret) == 0 {
		return false
	}

	sha256Expected := v.digest(sha256.New, body)
	sha1Expected := v.digest(sha1.New, body)

	for _, part := range strings.Split(header, ",") {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		lower := strings.ToLower(candidate)

		switch {
		case strings.HasPrefix(lower, "sha256="):
			if matchesDigest(candidate[len("sha256="):], sha256Expected) {
				return true
			}
		case strings.HasPrefix(lower, "sha1="):
			if matchesDigest(candidate[len("sha1="):], sha1Expected) {
				return true
			}
		default:
			if matchesDigest(candidate, sha256Expected) || matchesDigest(candidate, sha1Expected) {
				return true
			}
		}
	}
	return false
}

// Sign returns the hex sha256 signature for body, prefixed the way senders usually do.
func (v *HMACVerifier) Sign(body []byte) string {
	return "sha256=" + hex.EncodeToString(v.digest(sha256.New, body))
}

func (v *HMACVerifier) digest(newHash func() hash.Hash, body []byte) []byte {
	mac := hmac.New(newHash, v.secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// matchesDigest accepts hex or base64 (standard or raw) encodings of expected.
func matchesDigest(candidate string, expected []byte) bool {
	candidate = strings.TrimSpace(candidate)
	if decoded, err := hex.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := base64.StdEncoding.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(candidate); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}

// PaddleVerifier verifies the Paddle-Signature header (ts=...;h1=...).
type PaddleVerifier struct {
	verifier *paddle.WebhookVerifier
}

func NewPaddleVerifier(secret string) *PaddleVerifier {
	return &PaddleVerifier{verifier: paddle.NewWebhookVerifier(secret)}
}

func (v *PaddleVerifier) Verify(ctx context.Context, body []byte, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set(PaddleSignatureHeader, signature)

	valid, err := v.verifier.Verify(req)
	if err != nil {
		return false
	}
	return valid
}
