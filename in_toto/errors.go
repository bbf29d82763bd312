package in_toto

import "github.com/pkg/errors"

// Sentinel error kinds per the verification error taxonomy. Components
// wrap these with errors.Wrap/Wrapf so the kind survives errors.Is
// checks while the message carries the offending detail.
var (
	ErrFormatError            = errors.New("format error")
	ErrEncodeError            = errors.New("encode error")
	ErrBadSignature           = errors.New("bad signature")
	ErrLayoutExpired          = errors.New("layout expired")
	ErrLayoutSignature        = errors.New("layout signature verification failed")
	ErrStepAuthorization      = errors.New("step authorization failed")
	ErrStepLinkMismatch       = errors.New("step links disagree on materials or products")
	ErrRuleSyntax             = errors.New("rule syntax error")
	ErrRuleVerificationFailed = errors.New("rule verification failed")
	ErrUnmatchedArtifacts     = errors.New("unmatched artifacts remain in queue")
	ErrArtifactVerification   = errors.New("artifact verification failed")
)

// ruleFailure wraps ErrRuleVerificationFailed with the offending rule's
// kind, mirroring in-toto-golang's exceptions.RuleVerficationFailed which
// always carries which rule type failed and why.
func ruleFailure(kind string, format string, args ...interface{}) error {
	msgArgs := make([]interface{}, 0, len(args)+1)
	msgArgs = append(msgArgs, kind)
	msgArgs = append(msgArgs, args...)
	return errors.Wrapf(ErrRuleVerificationFailed, "%s: "+format, msgArgs...)
}
