package domain

// RoutingEntry maps a subdomain to a local upstream port.
type RoutingEntry struct {
	Subdomain    string
	Port         int
	DeploymentID string
}
