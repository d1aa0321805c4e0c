// Copyright 2022 The ssepush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/ssepush/common"
	"github.com/apex/log"
	"github.com/patrickmn/go-cache"
)

// TokenVerifier validates a bearer token and resolves the subscriber
// identity it carries
type TokenVerifier interface {
	// Verify check the token and return the subscriber ID it belongs to
	Verify(ctxt context.Context, token string) (string, error)
}

// GetTokenVerifier define a TokenVerifier based on the auth config. A
// positive cache TTL wraps the verifier with a verified-token cache.
func GetTokenVerifier(config common.AuthConfig) (TokenVerifier, error) {
	var verifier TokenVerifier
	switch config.Mode {
	case "dev":
		verifier = &devTokenVerifier{
			Component: common.Component{
				LogTags: log.Fields{"module": "auth", "component": "dev-verifier"},
			},
		}
	case "hmac":
		if len(config.HMACSecret) == 0 {
			return nil, fmt.Errorf("auth mode 'hmac' requires a signing secret")
		}
		verifier = &hmacTokenVerifier{
			Component: common.Component{
				LogTags: log.Fields{"module": "auth", "component": "hmac-verifier"},
			},
			secret:       []byte(config.HMACSecret),
			subjectClaim: config.SubjectClaim,
		}
	default:
		return nil, fmt.Errorf("unknown auth mode '%s'", config.Mode)
	}
	if config.CacheTTL > 0 {
		ttl := time.Second * time.Duration(config.CacheTTL)
		verifier = &cachedTokenVerifier{
			Component: common.Component{
				LogTags: log.Fields{"module": "auth", "component": "token-cache"},
			},
			backing: verifier,
			cache:   cache.New(ttl, ttl*2),
		}
	}
	return verifier, nil
}

// ================================================================================
// Dev mode verifier

// devTokenVerifier trusts tokens of the form `subscriber:role`. Local
// development only.
type devTokenVerifier struct {
	common.Component
}

// Verify check the token and return the subscriber ID it belongs to
func (v *devTokenVerifier) Verify(ctxt context.Context, token string) (string, error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return "", fmt.Errorf("dev token must be 'subscriber:role'")
	}
	log.WithFields(v.LogTags).Debugf("Accepted dev token for %s", parts[0])
	return parts[0], nil
}

// ================================================================================
// HMAC mode verifier

// hmacTokenVerifier verifies HS256 signed JWTs and pulls the subscriber
// identity from the configured claim
type hmacTokenVerifier struct {
	common.Component
	secret       []byte
	subjectClaim string
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// Verify check the token and return the subscriber ID it belongs to
func (v *hmacTokenVerifier) Verify(ctxt context.Context, token string) (string, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return "", fmt.Errorf("token is not a JWT")
	}

	headerRaw, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return "", fmt.Errorf("malformed JWT header: %w", err)
	}
	var header jwtHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return "", fmt.Errorf("malformed JWT header: %w", err)
	}
	if header.Alg != "HS256" {
		return "", fmt.Errorf("unsupported JWT algorithm '%s'", header.Alg)
	}

	signature, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil {
		return "", fmt.Errorf("malformed JWT signature: %w", err)
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(segments[0] + "." + segments[1]))
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return "", fmt.Errorf("JWT signature mismatch")
	}

	payloadRaw, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return "", fmt.Errorf("malformed JWT payload: %w", err)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return "", fmt.Errorf("malformed JWT payload: %w", err)
	}

	if exp, ok := claims["exp"]; ok {
		expStamp, ok := exp.(float64)
		if !ok {
			return "", fmt.Errorf("JWT 'exp' claim is not numeric")
		}
		if time.Now().After(time.Unix(int64(expStamp), 0)) {
			return "", fmt.Errorf("JWT expired")
		}
	}

	subject, ok := claims[v.subjectClaim]
	if !ok {
		return "", fmt.Errorf("JWT missing '%s' claim", v.subjectClaim)
	}
	subscriberID, ok := subject.(string)
	if !ok || len(subscriberID) == 0 {
		return "", fmt.Errorf("JWT '%s' claim is not a usable string", v.subjectClaim)
	}
	log.WithFields(v.LogTags).Debugf("Verified JWT for %s", subscriberID)
	return subscriberID, nil
}

// ================================================================================
// Caching layer

// cachedTokenVerifier remembers recently verified tokens so repeat
// verifications skip the signature math. Failed verifications are never
// cached.
type cachedTokenVerifier struct {
	common.Component
	backing TokenVerifier
	cache   *cache.Cache
}

// Verify check the token and return the subscriber ID it belongs to
func (v *cachedTokenVerifier) Verify(ctxt context.Context, token string) (string, error) {
	if cached, ok := v.cache.Get(token); ok {
		return cached.(string), nil
	}
	subscriberID, err := v.backing.Verify(ctxt, token)
	if err != nil {
		return "", err
	}
	v.cache.SetDefault(token, subscriberID)
	return subscriberID, nil
}
