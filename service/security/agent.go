// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
)

// DefaultTokenTTL is how long an issued bearer token stays valid.
const DefaultTokenTTL = time.Hour

// Agent issues and verifies the bearer tokens protecting the HTTP APIs,
// and checks plugin artifacts against their manifest digests.
type Agent struct {
	log    zerolog.Logger
	secret []byte
	master string
	ttl    time.Duration
}

// Option configures optional agent parameters.
type Option func(*Agent)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(a *Agent) {
		a.ttl = ttl
	}
}

// NewAgent creates a security agent signing tokens with the given secret.
// The master key gates token issuance.
func NewAgent(log zerolog.Logger, secret string, master string, opts ...Option) *Agent {
	a := Agent{
		log:    log.With().Str("component", "security").Logger(),
		secret: []byte(secret),
		master: master,
		ttl:    DefaultTokenTTL,
	}

	for _, opt := range opts {
		opt(&a)
	}

	return &a
}

// IssueToken exchanges the master key for a signed bearer token.
func (a *Agent) IssueToken(master string) (string, error) {

	if subtle.ConstantTimeCompare([]byte(master), []byte(a.master)) != 1 {
		return "", fmt.Errorf("invalid master key")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("could not sign token: %w", err)
	}

	return signed, nil
}

// VerifyToken checks the signature and expiry of a bearer token.
func (a *Agent) VerifyToken(token string) error {

	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		_, ok := t.Method.(*jwt.SigningMethodHMAC)
		if !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("could not parse token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("invalid token")
	}

	return nil
}

// VerifyPlugin checks the artifact at the given path against a lowercase
// hex SHA-256 digest.
func (a *Agent) VerifyPlugin(path string, digest string) error {

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("could not open artifact: %w", err)
	}
	defer file.Close()

	hash := sha256.New()
	_, err = io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("could not hash artifact: %w", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	if sum != strings.ToLower(digest) {
		return fmt.Errorf("artifact digest mismatch: have %s, want %s", sum, digest)
	}

	return nil
}
