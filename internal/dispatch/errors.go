package dispatch

import "errors"

// Error taxonomy for send attempts. Callers branch with errors.Is; the
// scheduler releases the claim and retries only on ErrDispatch.
var (
	// ErrInvalidRecipient marks a payload whose phone cannot be dialed.
	ErrInvalidRecipient = errors.New("invalid recipient")
	// ErrProviderDisabled marks a manual send against a tenant with
	// messaging off. Automatic sends treat disabled as a silent no-op.
	ErrProviderDisabled = errors.New("provider disabled")
	// ErrConfig marks tenant configuration that cannot dispatch: unknown
	// provider, missing credentials, unknown template.
	ErrConfig = errors.New("configuration error")
	// ErrDispatch marks a transient transport failure worth retrying.
	ErrDispatch = errors.New("dispatch failed")
)
