package health

import (
	"sort"
	"time"
)

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return Status{Component: component, Status: StatusUnhealthy, Message: message, Timestamp: time.Now()}
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return Status{Component: component, Status: StatusDegraded, Message: message, Timestamp: time.Now()}
}

// Aggregate rolls subs up into one status: unhealthy if any sub is
// unhealthy, else degraded if any is degraded, else healthy. Subs are kept
// sorted by component name.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no parts to check")
	}

	var unhealthy, degraded []string
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy = append(unhealthy, sub.Component)
		case sub.IsDegraded():
			degraded = append(degraded, sub.Component)
		}
	}

	var s Status
	switch {
	case len(unhealthy) > 0:
		sort.Strings(unhealthy)
		s = NewUnhealthy(component, "unhealthy: "+join(unhealthy))
	case len(degraded) > 0:
		sort.Strings(degraded)
		s = NewDegraded(component, "degraded: "+join(degraded))
	default:
		s = NewHealthy(component, "all parts healthy")
	}

	s.SubStatuses = make([]Status, len(subs))
	copy(s.SubStatuses, subs)
	sort.SliceStable(s.SubStatuses, func(i, j int) bool {
		return s.SubStatuses[i].Component < s.SubStatuses[j].Component
	})
	return s
}

func join(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
