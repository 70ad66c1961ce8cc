package cert

// Status is the lifecycle state of a certificate attempt.
type Status string

const (
	StatusPendingHTTP01 Status = "pending_http01"
	StatusPendingDNS01  Status = "pending_dns01"
	StatusIssued        Status = "issued"
	StatusExpired       Status = "expired"
	StatusFailed        Status = "failed"
	StatusRevoked       Status = "revoked"
)

// ValidStatuses contains all valid certificate statuses
var ValidStatuses = []Status{
	StatusPendingHTTP01,
	StatusPendingDNS01,
	StatusIssued,
	StatusExpired,
	StatusFailed,
	StatusRevoked,
}

// IsValid checks if the status is valid
func (s Status) IsValid() bool {
	for _, valid := range ValidStatuses {
		if s == valid {
			return true
		}
	}
	return false
}

// Active reports whether the status blocks a new issuance for the same
// domain. At most one certificate per domain may be in an active status,
// enforced by a partial unique index at insert time.
func (s Status) Active() bool {
	switch s {
	case StatusPendingHTTP01, StatusPendingDNS01, StatusIssued:
		return true
	case StatusExpired, StatusFailed, StatusRevoked:
		return false
	}
	return false
}

// Pending reports whether the certificate is awaiting challenge validation.
func (s Status) Pending() bool {
	return s == StatusPendingHTTP01 || s == StatusPendingDNS01
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusRevoked, StatusExpired:
		return true
	}
	return false
}
