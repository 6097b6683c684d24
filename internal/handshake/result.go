package handshake

import "net/url"

// Intent is the branch chosen once per page load.
type Intent int

const (
	// IntentCheckingExistingUser is a fresh visit with no auth data in the URL.
	IntentCheckingExistingUser Intent = iota
	// IntentProcessingCallback is a redirect back from the identity provider.
	IntentProcessingCallback
)

func (i Intent) String() string {
	if i == IntentProcessingCallback {
		return "processing_callback"
	}
	return "checking_existing_user"
}

// DetectIntent treats any query string or fragment as a provider callback.
func DetectIntent(u *url.URL) Intent {
	if u == nil {
		return IntentCheckingExistingUser
	}
	if u.RawQuery != "" || u.Fragment != "" || u.RawFragment != "" {
		return IntentProcessingCallback
	}
	return IntentCheckingExistingUser
}

// State is the terminal state a handshake ends in.
type State int

const (
	// StateDisplayError leaves the page showing an error message.
	StateDisplayError State = iota
	// StateLanding navigated to the post-login landing page.
	StateLanding
	// StateAccessDenied set the loop-prevention cookie and navigated to the access-denied page.
	StateAccessDenied
	// StateSigninRedirect handed the page to the identity provider.
	StateSigninRedirect
)

func (s State) String() string {
	switch s {
	case StateLanding:
		return "landing"
	case StateAccessDenied:
		return "access_denied"
	case StateSigninRedirect:
		return "signin_redirect"
	default:
		return "display_error"
	}
}

// ErrorKind classifies the failure behind a non-landing result.
type ErrorKind int

const (
	// KindNone marks the results that are not failures: landing and signin redirect.
	KindNone ErrorKind = iota
	// KindCallbackFailure means the provider's redirect could not be validated.
	KindCallbackFailure
	// KindUserLookupFailure means the cached login could not be read.
	KindUserLookupFailure
	// KindRedirectFailure means the signin redirect could not be started.
	KindRedirectFailure
	// KindAccessDenied routed the page to the access-denied page.
	KindAccessDenied
	// KindStoreFailure means the token-store endpoint rejected or failed the submission.
	KindStoreFailure
	// KindUnknown is a failure that carried no description or message.
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindCallbackFailure:
		return "callback_failure"
	case KindUserLookupFailure:
		return "user_lookup_failure"
	case KindRedirectFailure:
		return "redirect_failure"
	case KindAccessDenied:
		return "access_denied"
	case KindStoreFailure:
		return "store_failure"
	case KindUnknown:
		return "unknown_error"
	default:
		return "none"
	}
}

// Result describes how a handshake ended. Handled is true when the page has
// already navigated away, in which case nothing else may touch the page.
type Result struct {
	Intent  Intent
	State   State
	Kind    ErrorKind
	Handled bool
	// Target is the URL the page navigated to, if any.
	Target string
	// Message is the text written to the status display on error.
	Message string
	Err     error
}
