package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
)

// Principal identifies a caller that passed authentication.
type Principal struct {
	// Fingerprint is the short credential hash; audit records and logs
	// use it in place of the token.
	Fingerprint string
	Anonymous   bool
}

// Authenticator validates opaque bearer credentials against the
// configured token set. With no tokens and anonymous access disabled,
// every request fails closed.
type Authenticator struct {
	tokens         [][]byte
	allowAnonymous bool
	audit          *AuditLog
	logger         *logger.Logger
}

// NewAuthenticator builds an authenticator from config. The audit log
// receives one record per validation attempt, pass or fail.
func NewAuthenticator(cfg config.AuthConfig, audit *AuditLog, log *logger.Logger) *Authenticator {
	list := cfg.TokenList()
	tokens := make([][]byte, 0, len(list))
	for _, t := range list {
		tokens = append(tokens, []byte(t))
	}
	a := &Authenticator{
		tokens:         tokens,
		allowAnonymous: cfg.AllowAnonymous,
		audit:          audit,
		logger:         log.WithFields(zap.String("component", "auth")),
	}
	if len(tokens) == 0 && !cfg.AllowAnonymous {
		a.logger.Warn("no auth tokens configured and anonymous access disabled; all requests will be rejected")
	}
	return a
}

// Validate checks a credential. The comparison is constant-time over
// the whole token set; the audit record carries only a fingerprint.
func (a *Authenticator) Validate(credential, peerAddr string) (*Principal, error) {
	if credential == "" && a.allowAnonymous {
		a.audit.Record(AuditAuthValidate, OutcomePass,
			zap.String("credential_fingerprint", "anonymous"),
			zap.String("peer_address", peerAddr))
		return &Principal{Fingerprint: "anonymous", Anonymous: true}, nil
	}

	fp := Fingerprint(credential)
	cred := []byte(credential)

	match := 0
	for _, token := range a.tokens {
		if subtle.ConstantTimeCompare(token, cred) == 1 {
			match = 1
		}
	}

	if match != 1 {
		a.audit.Record(AuditAuthValidate, OutcomeFail,
			zap.String("credential_fingerprint", fp),
			zap.String("peer_address", peerAddr))
		return nil, errors.Unauthorized("invalid credentials")
	}

	a.audit.Record(AuditAuthValidate, OutcomePass,
		zap.String("credential_fingerprint", fp),
		zap.String("peer_address", peerAddr))
	return &Principal{Fingerprint: fp}, nil
}

// Fingerprint returns the first 8 hex characters of the credential's
// SHA-256, safe for logs and audit records.
func Fingerprint(credential string) string {
	if credential == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])[:8]
}
