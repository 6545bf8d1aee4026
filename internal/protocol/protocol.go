// ABOUTME: Wire types shared by the controller and the endpoint agent.
// ABOUTME: Defines the event envelope, command bundles, and execution reports.

package protocol

import "encoding/json"

// Event names carried in the envelope. Agent-originated events are prefixed
// "on_" to match the handler naming on the controller side.
const (
	EventAgentRegistration   = "on_agent_registration"
	EventExecuteCommand      = "on_execute_command"
	EventCommandResponse     = "on_command_response"
	EventRegistrationSuccess = "registration_success"
	EventSendCommand         = "send_command"
	EventCommandSuccess      = "command_success"
	EventCommandError        = "command_error"
	EventJoinRoom            = "join_room"
	EventLeaveRoom           = "leave_room"
	EventLoadMoreMessages    = "load_more_messages"
	EventMessageHistory      = "message_history"
	EventMoreMessages        = "more_messages"
	EventAgentStatus         = "agent_status"
	EventMessageStream       = "ai_message_stream"
	EventError               = "error"
)

// Agent status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Envelope is the frame exchanged over a transport session. Data is kept raw
// so each handler can decode its own payload type.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload and wraps it with the given event name.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

// Precondition is a gate checked before the primary commands run. TestCmd is
// mandatory; SolveCmd is an optional remedial command run only when the test
// fails.
type Precondition struct {
	Description string `json:"description"`
	TestCmd     string `json:"test_cmd"`
	SolveCmd    string `json:"solve_cmd,omitempty"`
}

// CommandInput is a named value substituted into command text wherever the
// token #{name} appears.
type CommandInput struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Value       string `json:"value"`
}

// BundleMetadata carries informational attributes of a bundle. Priority is
// one of low, medium, high and does not affect execution order.
type BundleMetadata struct {
	Priority string `json:"priority,omitempty"`
}

// CommandBundle is one addressed unit of work for a single agent.
type CommandBundle struct {
	AgentID        string         `json:"agent_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	AgentName      string         `json:"agent_name,omitempty"`
	Metadata       BundleMetadata `json:"metadata,omitempty"`
	Preconditions  []Precondition `json:"preconditions,omitempty"`
	Commands       []string       `json:"commands"`
	Cleanups       []string       `json:"cleanups,omitempty"`
	Inputs         []CommandInput `json:"inputs,omitempty"`
}

// Priority returns the bundle priority, defaulting to medium.
func (b *CommandBundle) Priority() string {
	switch b.Metadata.Priority {
	case "low", "medium", "high":
		return b.Metadata.Priority
	default:
		return "medium"
	}
}

// Step outcome types, in the order the state machine can produce them.
const (
	StepPreconditionTest  = "precondition_test"
	StepPreconditionSolve = "precondition_solve"
	StepCommand           = "command"
	StepCleanup           = "cleanup"
)

// Step statuses.
const (
	StepSuccess = "success"
	StepFailure = "failure"
)

// StepOutcome records one executed step of a bundle.
type StepOutcome struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Output  string `json:"output"`
	Status  string `json:"status"`
}

// ExecutionReport is the result of running one bundle, sent back as a single
// on_command_response event. Immutable once produced.
type ExecutionReport struct {
	AgentID        string        `json:"agent_id"`
	ConversationID string        `json:"conversation_id"`
	AgentName      string        `json:"agent_name"`
	Status         string        `json:"status"`
	Outputs        []StepOutcome `json:"outputs"`
	Priority       string        `json:"priority"`
	ExecutionTime  string        `json:"execution_time"`
	CompletedAt    string        `json:"completed_at"`
	CreatedAt      string        `json:"created_at"`
	CreatedBy      string        `json:"created_by"`
}

// OSInfo describes the host operating system of an agent.
type OSInfo struct {
	CPUs     int    `json:"cpus"`
	Kernel   string `json:"kernel"`
	Core     string `json:"core"`
	Platform string `json:"platform"`
	OS       string `json:"os"`
}

// NetInterface is one network interface and its addresses.
type NetInterface struct {
	Name string   `json:"name"`
	IPs  []string `json:"ips"`
}

// ClientInfo is the host fingerprint an agent reports at registration.
type ClientInfo struct {
	ProcessID     int            `json:"processid"`
	IPAddress     string         `json:"ipaddress"`
	NetInterfaces []NetInterface `json:"netinterfaces"`
	OSInfo        OSInfo         `json:"osinfo"`
	Codename      string         `json:"codename"`
	Hostname      string         `json:"hostname"`
	Username      string         `json:"username"`
}

// Registration is the on_agent_registration payload.
type Registration struct {
	AgentID        string     `json:"agent_id"`
	ConversationID string     `json:"conversation_id"`
	CreatedBy      string     `json:"created_by"`
	ClientInfo     ClientInfo `json:"client_info"`
	Status         string     `json:"status"`
	LastSeen       string     `json:"last_seen"`
}

// StatusUpdate is the agent_status payload broadcast to a conversation room
// when an agent comes online or drops.
type StatusUpdate struct {
	AgentID  string `json:"agent_id"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// ErrorPayload is the command_error / error payload.
type ErrorPayload struct {
	Error string `json:"error"`
}

// AckPayload is the command_success payload.
type AckPayload struct {
	Message string `json:"message"`
}

// RegistrationAck is the registration_success payload. The controller
// piggybacks its fleet execution defaults on the ack; agents that were not
// given explicit local settings adopt them.
type RegistrationAck struct {
	Message      string `json:"message"`
	StepTimeout  string `json:"step_timeout,omitempty"`
	SingleFlight string `json:"single_flight,omitempty"`
}
