package auth

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/stakehold/internal/pda"
)

const (
	HeaderSigner    = "X-Signer"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"

	// ContextKeySigner is the gin context key holding the verified Signer.
	ContextKeySigner = "authSigner"
	// ContextKeySignerAddr holds the verified address as a string, for
	// middleware that keys on identity (rate limiting, logging).
	ContextKeySignerAddr = "authSignerAddr"
)

// Verifier checks signed requests.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
	replays *replayCache
}

// NewVerifier creates a verifier that rejects timestamps further than
// maxSkew from the server clock. A signed mutating request is accepted
// once; the same signer, method, path, timestamp and body is rejected
// until the timestamp ages out of the window.
func NewVerifier(maxSkew time.Duration) *Verifier {
	return &Verifier{maxSkew: maxSkew, now: time.Now, replays: newReplayCache(maxSkew)}
}

// Middleware verifies signature headers when present and stores the
// signer in the context. Requests without headers pass through
// unauthenticated; requests with bad headers are rejected.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		signerHex := c.GetHeader(HeaderSigner)
		if signerHex == "" {
			c.Next()
			return
		}

		signer, req, msg := v.verify(c, signerHex)
		if msg != "" {
			unauthorized(c, msg)
			return
		}

		if mutating(c.Request.Method) {
			now := v.now()
			if !v.replays.reserve(req.key, req.expires, now) {
				unauthorized(c, "signed request already used; sign it again with a new timestamp")
				return
			}
			defer func() {
				// Throttled or unavailable: nothing ran, the client may resend.
				switch c.Writer.Status() {
				case http.StatusTooManyRequests, http.StatusServiceUnavailable:
					v.replays.release(req.key)
				}
			}()
		}

		c.Set(ContextKeySigner, signer)
		c.Set(ContextKeySignerAddr, signer.Address().Hex())
		c.Next()
	}
}

type verifiedRequest struct {
	key     replayKey
	expires time.Time
}

func (v *Verifier) verify(c *gin.Context, signerHex string) (Signer, verifiedRequest, string) {
	addr, err := pda.ParseAddress(signerHex)
	if err != nil {
		return Signer{}, verifiedRequest{}, HeaderSigner + " must be a 32-byte hex public key"
	}

	ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
	if err != nil {
		return Signer{}, verifiedRequest{}, HeaderTimestamp + " must be unix seconds"
	}
	signedAt := time.Unix(ts, 0)
	skew := v.now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return Signer{}, verifiedRequest{}, "request timestamp outside allowed window"
	}

	sig, err := hexutil.Decode(c.GetHeader(HeaderSignature))
	if err != nil {
		return Signer{}, verifiedRequest{}, HeaderSignature + " must be 0x-prefixed hex"
	}

	var body []byte
	if c.Request.Body != nil {
		body, err = io.ReadAll(c.Request.Body)
		if err != nil {
			return Signer{}, verifiedRequest{}, "unable to read request body"
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
	}

	digest := RequestDigest(c.Request.Method, c.Request.URL.Path, ts, body)
	signer, err := Verify(addr, digest, sig)
	if err != nil {
		return Signer{}, verifiedRequest{}, "signature verification failed"
	}
	return signer, verifiedRequest{
		key:     newReplayKey(addr[:], digest),
		expires: signedAt.Add(v.maxSkew),
	}, ""
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": msg,
	})
}

// RequireSigner rejects requests that carry no verified signer.
func RequireSigner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := SignerFrom(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Signed request required. Include X-Signer, X-Timestamp and X-Signature headers.",
			})
			return
		}
		c.Next()
	}
}

// SignerFrom returns the verified signer stored by Middleware.
func SignerFrom(c *gin.Context) (Signer, bool) {
	v, ok := c.Get(ContextKeySigner)
	if !ok {
		return Signer{}, false
	}
	s, ok := v.(Signer)
	if !ok || s.IsZero() {
		return Signer{}, false
	}
	return s, true
}
