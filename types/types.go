package types

// State is the lifecycle state of one gateway session
type State string

const (
	StateIdle             State = "idle"
	StateConnecting       State = "connecting"
	StateOpen             State = "open"
	StateReconnectPending State = "reconnect_pending"
	StateFaultRecovering  State = "fault_recovering"
	// StateExpired means the pairing challenge budget ran out; only a manual
	// init brings the session back.
	StateExpired    State = "expired"
	StateTerminated State = "terminated"
)

// HasTransport reports whether a session in this state owns a live
// transport handle.
func (s State) HasTransport() bool {
	return s == StateConnecting || s == StateOpen
}

// Webhook is the per-session outbound notification target
type Webhook struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Active reports whether events may be sent to this target.
func (w Webhook) Active() bool {
	return w.Enabled && w.Endpoint != ""
}

// UserInfo describes the account a session is paired with
type UserInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// InstanceDetail is the public view of a session
type InstanceDetail struct {
	InstanceKey    string    `json:"instance_key"`
	PhoneConnected bool      `json:"phone_connected"`
	WebhookURL     string    `json:"webhookUrl,omitempty"`
	State          State     `json:"state"`
	QR             string    `json:"qr,omitempty"`
	QRRetry        int       `json:"qr_retry"`
	User           *UserInfo `json:"user,omitempty"`
}

// OperationResult is returned for expected, caller-actionable failures such
// as group-admin actions without the needed privilege.
type OperationResult struct {
	Error   bool   `json:"error"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Denied builds a soft failure.
func Denied(message string) OperationResult {
	return OperationResult{Error: true, Message: message}
}

// OK wraps a successful result payload.
func OK(data any) OperationResult {
	return OperationResult{Data: data}
}
