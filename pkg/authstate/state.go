package authstate

// State is the progress of a session through verification and onboarding.
// It is derived from two booleans on every check and never stored.
type State string

const (
	NeedsEmailVerification State = "NEEDS_EMAIL_VERIFICATION"
	NeedsProfileCompletion State = "NEEDS_PROFILE_COMPLETION"
	Active                 State = "ACTIVE"
)

// Landing paths for each state, plus the anonymous and confirmation routes.
const (
	PathLogin             = "/login"
	PathVerifyEmail       = "/auth/verify-email"
	PathOnboardingProfile = "/onboarding/profile"
	PathFeed              = "/feed"
	PathConfirm           = "/auth/confirm"
)

// Classify maps the verification and profile flags onto a State.
// An unverified email wins over everything else.
func Classify(emailVerified bool, profileCompleted bool) State {
	if !emailVerified {
		return NeedsEmailVerification
	}
	if !profileCompleted {
		return NeedsProfileCompletion
	}
	return Active
}

// RedirectFor returns the landing path for state. A nil state means there is
// no session and resolves to the login page.
func RedirectFor(state *State) string {
	if state == nil {
		return PathLogin
	}
	switch *state {
	case NeedsEmailVerification:
		return PathVerifyEmail
	case NeedsProfileCompletion:
		return PathOnboardingProfile
	case Active:
		return PathFeed
	default:
		return PathLogin
	}
}

// Valid reports whether state is one of the three known tags.
func (state State) Valid() bool {
	switch state {
	case NeedsEmailVerification, NeedsProfileCompletion, Active:
		return true
	default:
		return false
	}
}

// Ptr returns a pointer to a copy of state for RedirectFor.
func (state State) Ptr() *State {
	return &state
}
