package federation

import "fmt"

// RejectCode identifies why the engine refused a request. Codes are part
// of the wire contract: peers use them to decide whether to retry.
type RejectCode string

const (
	RejectMissingSignature     RejectCode = "MISSING_SIGNATURE"
	RejectStaleOrFutureDate    RejectCode = "STALE_OR_FUTURE_DATE"
	RejectDigestMismatch       RejectCode = "DIGEST_MISMATCH"
	RejectSignatureInvalid     RejectCode = "SIGNATURE_INVALID"
	RejectNonceReused          RejectCode = "NONCE_REUSED"
	RejectUnknownServer        RejectCode = "UNKNOWN_SERVER"
	RejectUndiscoverableServer RejectCode = "UNDISCOVERABLE_SERVER"
	RejectServerBlocked        RejectCode = "SERVER_BLOCKED"
	RejectServerPending        RejectCode = "SERVER_PENDING"
	RejectBundleTooLarge       RejectCode = "BUNDLE_TOO_LARGE"
	RejectInvalidBundle        RejectCode = "INVALID_BUNDLE"
	RejectDuplicateBundle      RejectCode = "DUPLICATE_BUNDLE"
	RejectNoLocalRecipients    RejectCode = "NO_LOCAL_RECIPIENTS"
	RejectAllRecipientsFailed  RejectCode = "ALL_RECIPIENTS_FAILED"
)

// Rejection is a terminal protocol refusal with a machine-readable code.
type Rejection struct {
	Code    RejectCode
	Message string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

func reject(code RejectCode, format string, args ...interface{}) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}
