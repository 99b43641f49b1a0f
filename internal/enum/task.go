package enum

// TaskPriority orders work on the fleet queue. Lower Rank dequeues first.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

func (t TaskPriority) String() string {
	return string(t)
}

func (t TaskPriority) Rank() int {
	switch t {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

func ParseTaskPriority(s string) (TaskPriority, bool) {
	switch TaskPriority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return TaskPriority(s), true
	}
	return "", false
}

type TaskKind string

const (
	TaskPoll        TaskKind = "poll"
	TaskIdle        TaskKind = "idle"
	TaskHealthCheck TaskKind = "health-check"
)

func (t TaskKind) String() string {
	return string(t)
}

// VolumeTier classifies observed message volume per service cycle.
type VolumeTier string

const (
	VolumeHigh   VolumeTier = "high"
	VolumeMedium VolumeTier = "medium"
	VolumeLow    VolumeTier = "low"
)

func (t VolumeTier) String() string {
	return string(t)
}

// VolumeTierFor maps the number of new messages observed in one service
// cycle to a tier.
func VolumeTierFor(newMessages int) VolumeTier {
	switch {
	case newMessages > 100:
		return VolumeHigh
	case newMessages > 10:
		return VolumeMedium
	default:
		return VolumeLow
	}
}
