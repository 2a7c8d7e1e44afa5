package rules

import "fmt"

// ExecutionCase selects the root rule set and the side-effect table of a run
type ExecutionCase string

const (
	CaseDaily             ExecutionCase = "DAILY"
	CasePeriodic          ExecutionCase = "PERIODIC"
	CaseUnexpectedMessage ExecutionCase = "UNEXPECTED_MESSAGE"
	CaseUserIntention     ExecutionCase = "USER_INTENTION"
	CaseReplyRules        ExecutionCase = "REPLY_RULES"
	CaseDecisionPoint     ExecutionCase = "MICRO_DIALOG_DECISION_POINT"
)

// IsMonitoring reports whether the case walks the children of a master monitoring rule
func (c ExecutionCase) IsMonitoring() bool {
	switch c {
	case CaseDaily, CasePeriodic, CaseUnexpectedMessage, CaseUserIntention:
		return true
	}
	return false
}

// IsScheduling reports whether messages selected in this case are scheduled
// sends rather than answers to a participant reply
func (c ExecutionCase) IsScheduling() bool {
	return c == CaseDaily || c == CasePeriodic
}

// ParseExecutionCase converts the wire name of a case
func ParseExecutionCase(s string) (ExecutionCase, error) {
	c := ExecutionCase(s)
	switch c {
	case CaseDaily, CasePeriodic, CaseUnexpectedMessage, CaseUserIntention, CaseReplyRules, CaseDecisionPoint:
		return c, nil
	}
	return "", fmt.Errorf("unknown execution case %q", s)
}

// Scope identifies the forest a sibling read is made against.
// For monitoring cases ID is the intervention, for reply rules the
// monitoring rule, for decision points the decision point.
type Scope struct {
	Case      ExecutionCase
	ID        string
	GotAnswer bool // reply rules only: which sub-tree
}

func (s Scope) String() string {
	if s.Case == CaseReplyRules {
		return fmt.Sprintf("%s/%s/answer=%t", s.Case, s.ID, s.GotAnswer)
	}
	return fmt.Sprintf("%s/%s", s.Case, s.ID)
}

// Node is one conditional unit of a rule forest.
// The behaviour specific to a forest lives in Variant.
type Node struct {
	ID                    string
	ParentID              string // empty for roots within the scope
	Order                 int
	EquationSign          EquationSign
	OperandTerm           string
	ComparisonTerm        string
	StoreResultToVariable string
	Comment               string
	Variant               Variant
}

// IsRoot reports whether the node has no parent in its scope
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Variant is the closed set of rule flavours. It is implemented only by
// Monitoring, MonitoringReply and MicroDialogRule.
type Variant interface {
	variant()
}

// Monitoring is a rule of an intervention's monitoring forest
type Monitoring struct {
	InterventionID string
	Case           ExecutionCase
	// Master marks the fixed top-level rule whose children form the root set of Case
	Master                    bool
	HourToSend                int
	AnswerTimeoutMinutes      int
	SendMessageIfTrue         bool
	MessageGroupID            string
	ActivateMicroDialogIfTrue bool
	MicroDialogID             string
	StopInterventionWhenTrue  bool
	MarkCaseAsSolvedWhenTrue  bool
}

// MonitoringReply is a rule evaluated when a monitoring message got (or did not get) an answer
type MonitoringReply struct {
	MonitoringRuleID          string
	GotAnswer                 bool
	AnswerTimeoutMinutes      int
	SendMessageIfTrue         bool
	MessageGroupID            string
	ActivateMicroDialogIfTrue bool
	MicroDialogID             string
}

// MicroDialogRule belongs to a decision point of a micro dialog
type MicroDialogRule struct {
	DecisionPointID                 string
	LeaveDecisionPointWhenTrue      bool
	StopMicroDialogWhenTrue         bool
	NextMicroDialogWhenTrue         string
	NextMicroDialogMessageWhenTrue  string
	NextMicroDialogMessageWhenFalse string
}

func (Monitoring) variant()      {}
func (MonitoringReply) variant() {}
func (MicroDialogRule) variant() {}

// VariantName returns the persisted discriminator of a variant
func VariantName(v Variant) string {
	switch v.(type) {
	case Monitoring:
		return "monitoring"
	case MonitoringReply:
		return "monitoring_reply"
	case MicroDialogRule:
		return "micro_dialog"
	default:
		return ""
	}
}

// EvaluationResult contains the outcome of evaluating one rule
type EvaluationResult struct {
	RuleID       string
	Success      bool
	ErrorMessage string

	Calculated bool
	Text       bool
	Iterator   bool

	CalculatedValue      float64
	CalculatedComparison float64
	TextValue            string
	TextComparison       string

	Matched bool

	// VariableWrites is only set by script rules; every entry is persisted
	VariableWrites map[string]string
}

// Failed builds an unsuccessful result
func Failed(ruleID string, format string, args ...any) EvaluationResult {
	return EvaluationResult{
		RuleID:       ruleID,
		Success:      false,
		ErrorMessage: fmt.Sprintf(format, args...),
	}
}

// Value renders the evaluated value the way it is stored into a variable
func (r EvaluationResult) Value() string {
	if r.Text && !r.Calculated {
		return r.TextValue
	}
	return FormatNumber(r.CalculatedValue)
}
