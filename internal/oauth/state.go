package oauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// StatePayload is carried through the upstream consent round trip inside
// the signed state parameter. IssuedAt is Unix milliseconds.
type StatePayload struct {
	Nonce               string `json:"nonce"`
	IssuedAt            int64  `json:"issuedAt"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	ClientState         string `json:"client_state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// Issued returns IssuedAt as a time.
func (p *StatePayload) Issued() time.Time { return time.UnixMilli(p.IssuedAt) }

// SignState encodes payload as base64url(json) + "." + hex(HMAC-SHA256(json)).
func SignState(payload *StatePayload, key []byte) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data) + "." + hex.EncodeToString(stateMAC(data, key)), nil
}

// VerifyState checks the signature of token and decodes its payload.
// Any malformed or forged input yields false.
func VerifyState(token string, key []byte) (*StatePayload, bool) {
	encoded, sigHex, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(sigHex, ".") {
		return nil, false
	}
	data, err := base64.RawURLEncoding.Strict().DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	expected := hex.EncodeToString(stateMAC(data, key))
	if !hmac.Equal([]byte(sigHex), []byte(expected)) {
		return nil, false
	}

	var p StatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false
	}
	return &p, true
}

func stateMAC(data, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
