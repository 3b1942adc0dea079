package server

import (
	"net/http"
	"strings"
)

// DefaultTenant is assumed when a request carries no tenant identity. Real
// deployments front this server with a tenant-resolving proxy that sets the
// headers.
const DefaultTenant = "default"

func tenantFromRequest(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenant != "" {
		return tenant
	}
	if tenant := strings.TrimSpace(r.URL.Query().Get("tenant")); tenant != "" {
		return tenant
	}
	return DefaultTenant
}

func userFromRequest(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-User-ID")); user != "" {
		return user
	}
	return strings.TrimSpace(r.URL.Query().Get("user"))
}
