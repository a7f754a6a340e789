package core

import "strings"

// AnomalyReason is a tagged anomaly indicator. Every reason maps to exactly
// one STRIDE category; the mapping is fixed at compile time rather than
// derived from string matching.
type AnomalyReason string

const (
	ReasonGPSMismatch        AnomalyReason = "GPS_MISMATCH"
	ReasonIPGeoMismatch      AnomalyReason = "IP_GEO_MISMATCH"
	ReasonWifiMismatch       AnomalyReason = "WIFI_MISMATCH"
	ReasonTLSAnomaly         AnomalyReason = "TLS_ANOMALY"
	ReasonJA3Suspect         AnomalyReason = "JA3_SUSPECT"
	ReasonDeviceUnhealthy    AnomalyReason = "DEVICE_UNHEALTHY"
	ReasonPostureOutdated    AnomalyReason = "POSTURE_OUTDATED"
	ReasonCredentialStuffing AnomalyReason = "CREDENTIAL_STUFFING"
	ReasonBruteForce         AnomalyReason = "BRUTE_FORCE"
	ReasonDOSAttack          AnomalyReason = "DOS_ATTACK"
	ReasonDownloadExfil      AnomalyReason = "DOWNLOAD_EXFIL"
	ReasonPolicyElevation    AnomalyReason = "POLICY_ELEVATION"
	ReasonInsufficientSignal AnomalyReason = "INSUFFICIENT_SIGNAL"
)

// StrideCategory is one of the six STRIDE threat classes.
type StrideCategory string

const (
	StrideSpoofing       StrideCategory = "Spoofing"
	StrideTampering      StrideCategory = "Tampering"
	StrideRepudiation    StrideCategory = "Repudiation"
	StrideInfoDisclosure StrideCategory = "InformationDisclosure"
	StrideDoS            StrideCategory = "DoS"
	StrideEoP            StrideCategory = "EoP"
)

// reasonStride is the fixed many-to-one reason → STRIDE mapping.
var reasonStride = map[AnomalyReason]StrideCategory{
	ReasonGPSMismatch:        StrideSpoofing,
	ReasonIPGeoMismatch:      StrideSpoofing,
	ReasonWifiMismatch:       StrideSpoofing,
	ReasonTLSAnomaly:         StrideTampering,
	ReasonJA3Suspect:         StrideTampering,
	ReasonDeviceUnhealthy:    StrideTampering,
	ReasonPostureOutdated:    StrideTampering,
	ReasonCredentialStuffing: StrideRepudiation,
	ReasonBruteForce:         StrideDoS,
	ReasonDOSAttack:          StrideDoS,
	ReasonDownloadExfil:      StrideInfoDisclosure,
	ReasonPolicyElevation:    StrideEoP,
	ReasonInsufficientSignal: StrideInfoDisclosure,
}

// Stride returns the STRIDE category for the reason. Unknown reasons fall
// back to InformationDisclosure, matching the alert taxonomy default.
func (r AnomalyReason) Stride() StrideCategory {
	if cat, ok := reasonStride[r]; ok {
		return cat
	}
	return StrideInfoDisclosure
}

// StrideSet collapses a reason list into the deduplicated set of STRIDE
// categories, in first-seen order.
func StrideSet(reasons []AnomalyReason) []StrideCategory {
	seen := make(map[StrideCategory]bool, len(reasons))
	var out []StrideCategory
	for _, r := range reasons {
		cat := r.Stride()
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	return out
}

// NormalizeStride maps a free-form category string into the STRIDE taxonomy.
// Unrecognized values become InformationDisclosure.
func NormalizeStride(s string) StrideCategory {
	key := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(s))
	switch key {
	case "spoofing":
		return StrideSpoofing
	case "tampering":
		return StrideTampering
	case "repudiation":
		return StrideRepudiation
	case "informationdisclosure":
		return StrideInfoDisclosure
	case "dos", "denialofservice":
		return StrideDoS
	case "eop", "elevationofprivilege":
		return StrideEoP
	}
	return StrideInfoDisclosure
}

// labelReasons maps CICIDS-style network-flow labels to anomaly reasons.
// Matching is substring-based on the upper-cased label; unknown labels
// produce no reason (classification fails open, risk does not).
var labelReasons = []struct {
	pattern string
	reason  AnomalyReason
}{
	{"DDOS", ReasonDOSAttack},
	{"DOS", ReasonDOSAttack},
	{"BRUTEFORCE", ReasonBruteForce},
	{"BRUTE", ReasonBruteForce},
	{"PATATOR", ReasonBruteForce},
	{"BOTNET", ReasonDOSAttack},
	{"BOT", ReasonDOSAttack},
	{"PORTSCAN", ReasonPolicyElevation},
	{"INFILTERATION", ReasonPolicyElevation},
	{"INFILTRATION", ReasonPolicyElevation},
	{"WEBATTACK", ReasonTLSAnomaly},
	{"HEARTBLEED", ReasonDownloadExfil},
	{"EXFIL", ReasonDownloadExfil},
	{"CREDENTIAL", ReasonCredentialStuffing},
}

// ReasonsForLabel maps a ground-truth traffic label to its anomaly reasons.
// BENIGN and unknown labels yield none.
func ReasonsForLabel(label string) []AnomalyReason {
	up := strings.ToUpper(strings.TrimSpace(label))
	if up == "" || up == "BENIGN" {
		return nil
	}
	seen := make(map[AnomalyReason]bool)
	var out []AnomalyReason
	for _, m := range labelReasons {
		if strings.Contains(up, m.pattern) && !seen[m.reason] {
			seen[m.reason] = true
			out = append(out, m.reason)
		}
	}
	return out
}
