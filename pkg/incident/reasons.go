package incident

// Reason codes emitted by producers.
const (
	ReasonUnknown            = "UNKNOWN"
	ReasonIntruderSelfie     = "INTRUDER_SELFIE"
	ReasonSimChanged         = "SIM_CHANGED"
	ReasonFakeShutdown       = "FAKE_SHUTDOWN"
	ReasonGeofenceExit       = "GEOFENCE_EXIT"
	ReasonDuressPin          = "DURESS_PIN"
	ReasonShakeTriggered     = "SHAKE_TRIGGERED"
	ReasonUninstallAttempt   = "UNINSTALL_ATTEMPT"
	ReasonRemoteSiren        = "REMOTE_SIREN"
	ReasonAILockdown         = "AI_INITIATED_LOCKDOWN"
	ReasonRemoteWipe         = "REMOTE_WIPE"
	ReasonTripwireWipe       = "TRIPWIRE_WIPE"
	ReasonWipePin            = "WIPE_PIN"
	ReasonThreatDetected     = "THREAT_DETECTED"
	ReasonBiometricIntrusion = "BIOMETRIC_INTRUSION"
	ReasonBiometricLockout   = "BIOMETRIC_LOCKOUT"
	ReasonBehavioralAnomaly  = "BEHAVIORAL_ANOMALY"
)

// IsWipeReason reports whether a CRITICAL incident for reason may wipe the device.
func IsWipeReason(reason string) bool {
	switch reason {
	case ReasonRemoteWipe, ReasonTripwireWipe, ReasonWipePin:
		return true
	}
	return false
}

// IsSirenReason reports whether a HIGH incident for reason sounds the siren.
func IsSirenReason(reason string) bool {
	switch reason {
	case ReasonDuressPin, ReasonShakeTriggered, ReasonRemoteSiren:
		return true
	}
	return false
}
