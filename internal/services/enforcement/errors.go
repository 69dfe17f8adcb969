package enforcement

import "errors"

// ErrPolicyRejected reports an operation (or one field assignment within
// it) that was disallowed by policy against the pre-mutation state.
var ErrPolicyRejected = errors.New("operation rejected by policy")

// ErrPostValidationFailed reports a write whose post-mutation state
// violates policy. The enclosing transaction is rolled back, so the
// forbidden state never becomes visible.
var ErrPostValidationFailed = errors.New("post-mutation state rejected by policy")
