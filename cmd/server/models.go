package main

import (
	"time"

	"github.com/liamcoop/coachrules/delivery"
	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/rules"
)

// API request and response models

// TriggerRequest starts one resolver run for the participant in the path
type TriggerRequest struct {
	InterventionID   string `json:"interventionId" example:"sleep-coach" binding:"required"`
	Case             string `json:"case" example:"DAILY" binding:"required"`
	MonitoringRuleID string `json:"monitoringRuleId,omitempty" example:"evening-check"`
	GotAnswer        bool   `json:"gotAnswer,omitempty" example:"true"`
	RelatedMessageID string `json:"relatedMessageId,omitempty" example:"msg-12"`
	DecisionPointID  string `json:"decisionPointId,omitempty" example:"dp-3"`
} // @name TriggerRequest

// SendResponse is a message selected by a matching rule
type SendResponse struct {
	ID                   string `json:"id"`
	RuleID               string `json:"ruleId"`
	MessageGroupID       string `json:"messageGroupId"`
	MessageID            string `json:"messageId"`
	Text                 string `json:"text" example:"Good morning Ann!"`
	HourToSend           int    `json:"hourToSend" example:"8"`
	AnswerTimeoutMinutes int    `json:"answerTimeoutMinutes,omitempty"`
	ExpectsAnswer        bool   `json:"expectsAnswer"`
	Status               string `json:"status" example:"PREPARED_FOR_SENDING"`
} // @name SendResponse

// MicroDialogResponse identifies a micro dialog or one of its messages
type MicroDialogResponse struct {
	ID            string `json:"id"`
	MicroDialogID string `json:"microDialogId,omitempty"`
	Name          string `json:"name,omitempty"`
} // @name MicroDialogResponse

// TriggerResponse reports everything a run produced
type TriggerResponse struct {
	RunID                  string                `json:"runId"`
	Case                   string                `json:"case"`
	Messages               []SendResponse        `json:"messages"`
	QueuedSends            int                   `json:"queuedSends"`
	ActivatedMicroDialogs  []MicroDialogResponse `json:"activatedMicroDialogs"`
	CaseMarkedAsSolved     bool                  `json:"caseMarkedAsSolved"`
	InterventionFinished   bool                  `json:"interventionFinished"`
	LeaveDecisionPoint     bool                  `json:"leaveDecisionPoint"`
	StopMicroDialog        bool                  `json:"stopMicroDialog"`
	NextMicroDialog        *MicroDialogResponse  `json:"nextMicroDialog,omitempty"`
	NextMicroDialogMessage *MicroDialogResponse  `json:"nextMicroDialogMessage,omitempty"`
	Aborted                bool                  `json:"aborted"`
	Failure                string                `json:"failure,omitempty"`
	Visited                []string              `json:"visited"`
	EvaluationTime         string                `json:"evaluationTime" example:"2.3ms"`
} // @name TriggerResponse

// RuleRequest is a rule evaluated in isolation
type RuleRequest struct {
	ID             string `json:"id,omitempty" example:"preview"`
	EquationSign   string `json:"equationSign" example:"CALCULATED_GREATER_THAN" binding:"required"`
	OperandTerm    string `json:"operandTerm" example:"$steps / 1000"`
	ComparisonTerm string `json:"comparisonTerm" example:"8"`
} // @name RuleRequest

// EvaluateRequest previews one rule against a participant's variables
type EvaluateRequest struct {
	InterventionID string      `json:"interventionId" binding:"required"`
	ParticipantID  string      `json:"participantId" binding:"required"`
	Rule           RuleRequest `json:"rule" binding:"required"`
} // @name EvaluateRequest

// EvaluateResponse is the result of a preview
type EvaluateResponse struct {
	RuleID         string            `json:"ruleId"`
	Success        bool              `json:"success"`
	Matched        bool              `json:"matched"`
	Value          string            `json:"value"`
	ErrorMessage   string            `json:"errorMessage,omitempty"`
	VariableWrites map[string]string `json:"variableWrites,omitempty"`
	EvaluationTime string            `json:"evaluationTime" example:"0.4ms"`
} // @name EvaluateResponse

// VariablesRequest writes participant variables
type VariablesRequest struct {
	Variables map[string]string `json:"variables" binding:"required"`
	// Override allows writing reserved names
	Override bool `json:"override,omitempty"`
} // @name VariablesRequest

// VariablesResponse is a participant's merged variable snapshot
type VariablesResponse struct {
	ParticipantID string            `json:"participantId"`
	Variables     map[string]string `json:"variables"`
} // @name VariablesResponse

// CreateParticipantRequest registers a participant of an intervention
type CreateParticipantRequest struct {
	ID string `json:"id" example:"p-42" binding:"required"`
} // @name CreateParticipantRequest

// DefaultsRequest sets intervention-wide variable defaults
type DefaultsRequest struct {
	Variables map[string]string `json:"variables" binding:"required"`
} // @name DefaultsRequest

// InterventionResponse describes a loaded intervention
type InterventionResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Locale   string `json:"locale,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
} // @name InterventionResponse

// InterventionsListResponse lists the loaded interventions
type InterventionsListResponse struct {
	Interventions []InterventionResponse `json:"interventions"`
} // @name InterventionsListResponse

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"participant not found"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status              string `json:"status" example:"healthy"`
	Backend             string `json:"backend" example:"postgres"`
	InterventionsLoaded int    `json:"interventionsLoaded"`
	PendingDeliveries   int    `json:"pendingDeliveries"`
	Error               string `json:"error,omitempty"`
} // @name HealthResponse

func (r TriggerRequest) executionCase() (rules.ExecutionCase, error) {
	return rules.ParseExecutionCase(r.Case)
}

func (r RuleRequest) node() *rules.Node {
	id := r.ID
	if id == "" {
		id = "preview"
	}
	return &rules.Node{
		ID:             id,
		EquationSign:   rules.EquationSign(r.EquationSign),
		OperandTerm:    r.OperandTerm,
		ComparisonTerm: r.ComparisonTerm,
	}
}

func newTriggerResponse(result *interventions.Result, elapsed time.Duration) TriggerResponse {
	o := result.Outcome
	resp := TriggerResponse{
		RunID:                 o.RunID,
		Case:                  string(o.Case),
		Messages:              make([]SendResponse, 0, len(result.Deliveries)),
		QueuedSends:           len(o.SendRequests),
		ActivatedMicroDialogs: make([]MicroDialogResponse, 0, len(o.MicroDialogs)),
		CaseMarkedAsSolved:    o.CaseMarkedAsSolved,
		InterventionFinished:  o.InterventionFinished,
		LeaveDecisionPoint:    o.LeaveDecisionPoint,
		StopMicroDialog:       o.StopMicroDialog,
		Aborted:               o.Aborted(),
		Visited:               o.Visited,
		EvaluationTime:        elapsed.String(),
	}
	if resp.Visited == nil {
		resp.Visited = []string{}
	}
	for _, d := range result.Deliveries {
		resp.Messages = append(resp.Messages, newSendResponse(d))
	}
	for _, md := range o.MicroDialogs {
		resp.ActivatedMicroDialogs = append(resp.ActivatedMicroDialogs, MicroDialogResponse{ID: md.ID, Name: md.Name})
	}
	if o.NextMicroDialog != nil {
		resp.NextMicroDialog = &MicroDialogResponse{ID: o.NextMicroDialog.ID, Name: o.NextMicroDialog.Name}
	}
	if o.NextMicroDialogMessage != nil {
		resp.NextMicroDialogMessage = &MicroDialogResponse{
			ID:            o.NextMicroDialogMessage.ID,
			MicroDialogID: o.NextMicroDialogMessage.MicroDialogID,
		}
	}
	if o.Failure != nil {
		resp.Failure = o.Failure.ErrorMessage
	}
	return resp
}

func newSendResponse(d delivery.Delivery) SendResponse {
	return SendResponse{
		ID:                   d.ID,
		RuleID:               d.RuleID,
		MessageGroupID:       d.Message.MessageGroupID,
		MessageID:            d.Message.ID,
		Text:                 d.Text,
		HourToSend:           d.HourToSend,
		AnswerTimeoutMinutes: d.AnswerTimeoutMinutes,
		ExpectsAnswer:        d.Message.ExpectsAnswer,
		Status:               string(d.Status),
	}
}

func newEvaluateResponse(r rules.EvaluationResult, elapsed time.Duration) EvaluateResponse {
	return EvaluateResponse{
		RuleID:         r.RuleID,
		Success:        r.Success,
		Matched:        r.Matched,
		Value:          r.Value(),
		ErrorMessage:   r.ErrorMessage,
		VariableWrites: r.VariableWrites,
		EvaluationTime: elapsed.String(),
	}
}
