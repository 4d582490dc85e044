package messaging

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	// Enabled is false when no broker is configured.
	Enabled bool `json:"enabled"`

	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// CheckClientHealth reports the connection state of client. A nil client
// means messaging is disabled, which is healthy.
func CheckClientHealth(client Client) HealthStatus {
	if client == nil {
		return HealthStatus{Enabled: false}
	}

	status := HealthStatus{Enabled: true, Connected: client.IsConnected()}
	if !status.Connected {
		status.Error = "not connected to message broker"
	}
	return status
}
