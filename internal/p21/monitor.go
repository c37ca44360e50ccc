package p21

// Phase names a stage of parsing or decoding.
type Phase uint8

// Phases in the order a decode passes through them.
const (
	PhaseHeader Phase = iota + 1
	PhaseAnchor
	PhaseReference
	PhaseData
	PhaseSchemas
	PhaseModels
	PhaseResolve
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseHeader:
		return "header"
	case PhaseAnchor:
		return "anchor"
	case PhaseReference:
		return "reference"
	case PhaseData:
		return "data"
	case PhaseSchemas:
		return "schemas"
	case PhaseModels:
		return "models"
	case PhaseResolve:
		return "resolve"
	case PhaseComplete:
		return "complete"
	}
	return "unknown"
}

// ActivityMonitor observes parser and decoder progress.
type ActivityMonitor interface {
	PhaseStarted(phase Phase, detail string)
	InstanceResolved(name InstanceName)
}

// NoopActivityMonitor ignores all notifications.
type NoopActivityMonitor struct{}

// PhaseStarted implements ActivityMonitor.
func (NoopActivityMonitor) PhaseStarted(Phase, string) {}

// InstanceResolved implements ActivityMonitor.
func (NoopActivityMonitor) InstanceResolved(InstanceName) {}
