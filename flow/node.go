package flow

// NodeType enumerates every node the interpreter can execute. The set is
// closed; Kind reports the execution category and is the exhaustiveness
// check for the whole package.
type NodeType string

const (
	// Structural.
	TypeBegin           NodeType = "begin"
	TypeLoop            NodeType = "loop"
	TypeParallelProcess NodeType = "parallel_process"
	TypeFinish          NodeType = "finish"

	// Synchronous.
	TypeReadSignals       NodeType = "read_signals"
	TypeMetadataWrite     NodeType = "metadata_write"
	TypeRateLimitCheck    NodeType = "rate_limit_check"
	TypeDataEnrichment    NodeType = "data_enrichment"
	TypeDeviceFingerprint NodeType = "device_fingerprint"
	TypeGeolocationCheck  NodeType = "geolocation_check"
	TypeThreatDetection   NodeType = "threat_detection"
	TypeConditionalLogic  NodeType = "conditional_logic"
	TypeBranch            NodeType = "branch"
	TypeSessionBinding    NodeType = "session_binding"
	TypeNotification      NodeType = "notification"

	// Suspending.
	TypePromptUI          NodeType = "prompt_ui"
	TypeCheckCaptcha      NodeType = "check_captcha"
	TypeRequireReauth     NodeType = "require_reauth"
	TypeMFAChallenge      NodeType = "mfa_challenge"
	TypeMFATOTPVerify     NodeType = "mfa_totp_verify"
	TypeMFASMSVerify      NodeType = "mfa_sms_verify"
	TypeMFAEmailVerify    NodeType = "mfa_email_verify"
	TypeMFAWebauthnVerify NodeType = "mfa_webauthn_verify"
	TypeEmailVerification NodeType = "email_verification"
	TypeSMSVerification   NodeType = "sms_verification"
	TypePhoneVerification NodeType = "phone_verification"
	TypeDocumentUpload    NodeType = "document_upload"
	TypeBiometricCheck    NodeType = "biometric_check"
	TypeWebhook           NodeType = "webhook"
	TypeAPIRequest        NodeType = "api_request"
	TypeDelay             NodeType = "delay"
)

// NodeKind is the execution category of a node type.
type NodeKind int

const (
	KindUnknown NodeKind = iota
	KindStructural
	KindSync
	KindSuspending
)

// Kind maps every known node type to its category; unknown types map to
// KindUnknown, which authoring validation rejects.
func (t NodeType) Kind() NodeKind {
	switch t {
	case TypeBegin, TypeLoop, TypeParallelProcess, TypeFinish:
		return KindStructural
	case TypeReadSignals, TypeMetadataWrite, TypeRateLimitCheck,
		TypeDataEnrichment, TypeDeviceFingerprint, TypeGeolocationCheck,
		TypeThreatDetection, TypeConditionalLogic, TypeBranch,
		TypeSessionBinding, TypeNotification:
		return KindSync
	case TypePromptUI, TypeCheckCaptcha, TypeRequireReauth,
		TypeMFAChallenge, TypeMFATOTPVerify, TypeMFASMSVerify,
		TypeMFAEmailVerify, TypeMFAWebauthnVerify,
		TypeEmailVerification, TypeSMSVerification, TypePhoneVerification,
		TypeDocumentUpload, TypeBiometricCheck,
		TypeWebhook, TypeAPIRequest, TypeDelay:
		return KindSuspending
	default:
		return KindUnknown
	}
}

// Suspends reports whether executing the node parks the run.
func (t NodeType) Suspends() bool {
	return t.Kind() == KindSuspending
}

// Trigger names the flow entry point a tenant binds a flow to.
type Trigger string

const (
	TriggerSignin      Trigger = "signin"
	TriggerSignup      Trigger = "signup"
	TriggerPreConsent  Trigger = "pre_consent"
	TriggerPostConsent Trigger = "post_consent"
	TriggerCustom      Trigger = "custom"
)

func (tr Trigger) Valid() bool {
	switch tr {
	case TriggerSignin, TriggerSignup, TriggerPreConsent, TriggerPostConsent, TriggerCustom:
		return true
	}
	return false
}

// FlowStatus gates whether a flow is picked up for its trigger.
type FlowStatus string

const (
	StatusEnabled  FlowStatus = "enabled"
	StatusDisabled FlowStatus = "disabled"
)

// Node is one step of a flow. Order is unique within the flow; Config is the
// per-type parameter block validated at authoring time.
type Node struct {
	ID         string         `json:"id"`
	Order      int            `json:"order"`
	Type       NodeType       `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
	UIPromptID string         `json:"ui_prompt_id,omitempty"`
}

// Flow is a tenant's node graph for one trigger.
type Flow struct {
	ID       string     `json:"id"`
	TenantID string     `json:"tenant_id"`
	Name     string     `json:"name"`
	Trigger  Trigger    `json:"trigger"`
	Status   FlowStatus `json:"status"`
	Nodes    []Node     `json:"nodes"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// nodeAt returns the node with the given order, or nil.
func (f *Flow) nodeAt(order int) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].Order == order {
			return &f.Nodes[i]
		}
	}
	return nil
}

// beginOrder returns the order of the begin node. Validation guarantees it
// exists for any stored flow.
func (f *Flow) beginOrder() int {
	for i := range f.Nodes {
		if f.Nodes[i].Type == TypeBegin {
			return f.Nodes[i].Order
		}
	}
	return 0
}

// nextOrder returns the smallest order strictly greater than the given one,
// or -1 when the given node is the last.
func (f *Flow) nextOrder(order int) int {
	next := -1
	for i := range f.Nodes {
		o := f.Nodes[i].Order
		if o > order && (next == -1 || o < next) {
			next = o
		}
	}
	return next
}

// PromptField describes one input of an interactive prompt.
type PromptField struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
}

// PromptAction describes one way a prompt can be submitted.
type PromptAction struct {
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

// PromptSchema is the field/action structure rendered by prompt_ui nodes.
type PromptSchema struct {
	Fields  []PromptField  `json:"fields,omitempty"`
	Actions []PromptAction `json:"actions,omitempty"`
}

// Prompt timeout bounds, seconds.
const (
	PromptTimeoutMin = 15
	PromptTimeoutMax = 900
)

// Prompt is an interactive step definition referenced by prompt_ui nodes.
type Prompt struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Schema      PromptSchema `json:"schema"`
	TimeoutSec  int          `json:"timeout_sec"`
}
