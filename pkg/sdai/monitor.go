package sdai

// ValidationMonitor observes validation progress and may request early
// termination. TerminateValidation is polled before work is scheduled and
// before every validated item.
type ValidationMonitor interface {
	TerminateValidation() bool
	WillValidate(check string, total int)
	DidValidate(check string, item string, result Logical)
	DidComplete(check string, result Logical, complete bool)
}

// NoopValidationMonitor never terminates and ignores progress.
type NoopValidationMonitor struct{}

// TerminateValidation implements ValidationMonitor.
func (NoopValidationMonitor) TerminateValidation() bool { return false }

// WillValidate implements ValidationMonitor.
func (NoopValidationMonitor) WillValidate(string, int) {}

// DidValidate implements ValidationMonitor.
func (NoopValidationMonitor) DidValidate(string, string, Logical) {}

// DidComplete implements ValidationMonitor.
func (NoopValidationMonitor) DidComplete(string, Logical, bool) {}
