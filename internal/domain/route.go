package domain

import "time"

// DynamicRoute is an ephemeral reverse-proxy entry created for a preview
// session. It is owned exclusively by the route synchronizer.
type DynamicRoute struct {
	Subdomain  string    `json:"subdomain"`
	SessionID  string    `json:"session_id"`
	SiteName   string    `json:"site_name"`
	TargetPort int       `json:"target_port"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the route is past its TTL at the given instant.
func (r DynamicRoute) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
