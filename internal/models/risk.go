package models

import "time"

// RiskLevel is an ordered tier: low < medium < high < critical.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (l RiskLevel) rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether l is the same tier as other or above it.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.rank() >= other.rank()
}

// MaxRisk returns the higher of two tiers.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Risk factor tags
const (
	RiskFactorNewDevice             = "new_device"
	RiskFactorUntrustedDevice       = "untrusted_device"
	RiskFactorTrustedDevice         = "trusted_device"
	RiskFactorUnfamiliarLocation    = "unfamiliar_location"
	RiskFactorNewNetwork            = "new_network"
	RiskFactorFailedAttempts        = "failed_attempts"
	RiskFactorFailedAttemptVelocity = "failed_attempt_velocity"
	RiskFactorAttackVelocity        = "attack_velocity"
	RiskFactorSessionAge            = "session_age"
	RiskFactorHistoryUnavailable    = "history_unavailable"
)

// RiskAssessment is the ephemeral output of the risk analyzer for one request.
type RiskAssessment struct {
	Level                          RiskLevel     `json:"level"`
	Factors                        []string      `json:"factors"`
	DeviceTrusted                  bool          `json:"device_trusted"`
	SessionAge                     time.Duration `json:"session_age"`
	RequiresAdditionalVerification bool          `json:"requires_additional_verification"`
	AssessedAt                     time.Time     `json:"assessed_at"`
}
