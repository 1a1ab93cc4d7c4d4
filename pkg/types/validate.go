package types

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var (
	missionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

	// A worker URL is a lowercase DNS name, optionally dotted, with an
	// optional numeric port. Schemes and paths are rejected; callers add
	// them when building request URLs.
	workerHostPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)*$`)
)

// ValidateMissionID checks the mission identifier format
func ValidateMissionID(missionID string) error {
	if !missionIDPattern.MatchString(missionID) {
		return NewError(KindValidation, "types", "ValidateMissionID",
			"invalid mission id %q", missionID)
	}
	return nil
}

// ValidateAgentID checks that the agent identifier is a UUID
func ValidateAgentID(agentID string) error {
	if _, err := uuid.Parse(agentID); err != nil {
		return NewError(KindValidation, "types", "ValidateAgentID",
			"agent id %q is not a UUID", agentID)
	}
	return nil
}

// ValidateWorkerURL checks the stored worker address format: host or
// host:port, no scheme, no path, port in 1..65535
func ValidateWorkerURL(url string) error {
	host := url
	if idx := strings.LastIndex(url, ":"); idx >= 0 {
		host = url[:idx]
		port, err := strconv.Atoi(url[idx+1:])
		if err != nil || port < 1 || port > 65535 {
			return NewError(KindValidation, "types", "ValidateWorkerURL",
				"invalid worker port in %q", url)
		}
	}
	if !workerHostPattern.MatchString(host) {
		return NewError(KindValidation, "types", "ValidateWorkerURL",
			"invalid worker host %q", url)
	}
	return nil
}

// ValidateCapacity rejects non-positive capacities. A capacity of zero is a
// misconfiguration, not a placeholder.
func ValidateCapacity(capacity int) error {
	if capacity < 1 {
		return NewError(KindValidation, "types", "ValidateCapacity",
			"worker capacity must be positive, got %d", capacity)
	}
	return nil
}
