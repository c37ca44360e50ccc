package sdai

// AccessMode is the access state of an SDAI-model or schema instance
// within the current transaction.
type AccessMode uint8

const (
	// ModeNone means access has not been started.
	ModeNone AccessMode = iota
	// ReadOnly permits concurrent reads.
	ReadOnly
	// ReadWrite permits mutation under the active transaction.
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return "none"
	}
}
