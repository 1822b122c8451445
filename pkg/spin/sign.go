package spin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Sign computes the HMAC-SHA256 signature over the outcome payload with the
// server secret. The Signature field itself is excluded from the digest.
func (engine *Engine) Sign(outcome Outcome) string {
	outcome.Signature = ""
	payload, err := json.Marshal(outcome)
	if err != nil {
		return ""
	}
	mac := hmac.New(sha256.New, engine.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Outcomes
// submitted by a client must pass this before any ledger effect is applied.
func (engine *Engine) Verify(outcome Outcome) bool {
	if outcome.Signature == "" {
		return false
	}
	expected := engine.Sign(outcome)
	return hmac.Equal([]byte(expected), []byte(outcome.Signature))
}
