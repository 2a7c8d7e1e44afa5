package rules

// SendRequest asks for the next message of a group, on behalf of the rule that matched
type SendRequest struct {
	ID                   string
	RuleID               string
	MessageGroupID       string
	HourToSend           int
	AnswerTimeoutMinutes int
}

// Message is a concrete message instance chosen for a send request
type Message struct {
	ID             string
	MessageGroupID string
	Text           string
	Order          int
	// ExpectsAnswer is propagated from the group's configuration
	ExpectsAnswer bool
}

// ResolvedSend couples a send request with the message selected for it
type ResolvedSend struct {
	Request SendRequest
	Message Message
}

// ActivationRequest asks for a micro dialog to be started
type ActivationRequest struct {
	RuleID        string
	MicroDialogID string
}

// MicroDialog is the resolved target of an activation or redirect
type MicroDialog struct {
	ID             string
	InterventionID string
	Name           string
}

// MicroDialogMessage is the resolved target of a message redirect
type MicroDialogMessage struct {
	ID            string
	MicroDialogID string
	Order         int
}

// Outcome is the bundle of side effects produced by one resolver run
type Outcome struct {
	RunID         string
	ParticipantID string
	Case          ExecutionCase

	SendRequests []SendRequest
	Activations  []ActivationRequest

	// Filled by post-walk resolution
	Messages     []ResolvedSend
	MicroDialogs []MicroDialog

	CaseMarkedAsSolved   bool
	InterventionFinished bool

	LeaveDecisionPoint     bool
	StopMicroDialog        bool
	NextMicroDialog        *MicroDialog
	NextMicroDialogMessage *MicroDialogMessage

	// Failure is set when an evaluation failure aborted the run; effects
	// queued before it are kept
	Failure *EvaluationResult

	// Visited lists rule ids in evaluation order
	Visited []string
}

// Aborted reports whether the run ended on an evaluation failure
func (o *Outcome) Aborted() bool {
	return o.Failure != nil
}

// Empty reports whether the run produced no side effects at all
func (o *Outcome) Empty() bool {
	return len(o.SendRequests) == 0 && len(o.Activations) == 0 &&
		!o.CaseMarkedAsSolved && !o.InterventionFinished &&
		!o.LeaveDecisionPoint && !o.StopMicroDialog &&
		o.NextMicroDialog == nil && o.NextMicroDialogMessage == nil
}
