package state

// ValidationError reports a rejected state document submission. The message
// is safe to return to the submitting agent verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
