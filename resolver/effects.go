package resolver

import (
	"context"

	"github.com/google/uuid"

	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/rules"
)

// applyEffects queues the side effects of a rule and reports whether the
// walk must stop
func (w *walk) applyEffects(ctx context.Context, node *rules.Node, matched bool) bool {
	switch v := node.Variant.(type) {
	case rules.Monitoring:
		if !matched {
			return false
		}
		w.queue(node, v.SendMessageIfTrue, v.MessageGroupID, v.HourToSend, v.AnswerTimeoutMinutes)
		w.activate(node, v.ActivateMicroDialogIfTrue, v.MicroDialogID)
		if v.MarkCaseAsSolvedWhenTrue {
			w.outcome.CaseMarkedAsSolved = true
			return true
		}
		if v.StopInterventionWhenTrue {
			w.outcome.InterventionFinished = true
			return true
		}
	case rules.MonitoringReply:
		if !matched {
			return false
		}
		w.queue(node, v.SendMessageIfTrue, v.MessageGroupID, 0, v.AnswerTimeoutMinutes)
		w.activate(node, v.ActivateMicroDialogIfTrue, v.MicroDialogID)
	case rules.MicroDialogRule:
		if !matched {
			w.redirectMessage(ctx, node, v.NextMicroDialogMessageWhenFalse)
			return false
		}
		w.redirectDialog(ctx, node, v.NextMicroDialogWhenTrue)
		w.redirectMessage(ctx, node, v.NextMicroDialogMessageWhenTrue)
		if v.LeaveDecisionPointWhenTrue {
			w.outcome.LeaveDecisionPoint = true
			return true
		}
		if v.StopMicroDialogWhenTrue {
			w.outcome.StopMicroDialog = true
			return true
		}
	}
	return false
}

func (w *walk) queue(node *rules.Node, send bool, groupID string, hour, timeout int) {
	if !send {
		return
	}
	if groupID == "" {
		logger.SoftFail("Skipping send request without message group", node.ID, w.run.ParticipantID, nil)
		w.recorder.SideEffectDropped("send")
		return
	}
	w.outcome.SendRequests = append(w.outcome.SendRequests, rules.SendRequest{
		ID:                   uuid.NewString(),
		RuleID:               node.ID,
		MessageGroupID:       groupID,
		HourToSend:           hour,
		AnswerTimeoutMinutes: timeout,
	})
}

func (w *walk) activate(node *rules.Node, activate bool, dialogID string) {
	if !activate || dialogID == "" {
		return
	}
	w.outcome.Activations = append(w.outcome.Activations, rules.ActivationRequest{
		RuleID:        node.ID,
		MicroDialogID: dialogID,
	})
}

func (w *walk) redirectDialog(ctx context.Context, node *rules.Node, dialogID string) {
	if dialogID == "" {
		return
	}
	dialog, err := w.selector.MicroDialog(ctx, dialogID)
	if err != nil {
		logger.SoftFail("Skipping micro dialog redirect", node.ID, w.run.ParticipantID, err)
		w.recorder.SideEffectDropped("micro_dialog_redirect")
		return
	}
	w.outcome.NextMicroDialog = dialog
}

func (w *walk) redirectMessage(ctx context.Context, node *rules.Node, messageID string) {
	if messageID == "" {
		return
	}
	msg, err := w.selector.MicroDialogMessage(ctx, messageID)
	if err != nil {
		logger.SoftFail("Skipping micro dialog message redirect", node.ID, w.run.ParticipantID, err)
		w.recorder.SideEffectDropped("micro_dialog_message_redirect")
		return
	}
	w.outcome.NextMicroDialogMessage = msg
}

// resolveQueued turns queued requests into concrete messages and dialogs.
// Requests whose target does not resolve are dropped.
func (w *walk) resolveQueued(ctx context.Context) {
	scheduling := w.run.Case.IsScheduling()
	for _, req := range w.outcome.SendRequests {
		msg, err := w.selector.Next(ctx, w.run.ParticipantID, req.MessageGroupID, w.run.RelatedMessageID, scheduling)
		if err != nil {
			logger.DroppedSend(req.RuleID, w.run.ParticipantID, req.MessageGroupID, err)
			w.recorder.SideEffectDropped("send")
			continue
		}
		w.outcome.Messages = append(w.outcome.Messages, rules.ResolvedSend{Request: req, Message: *msg})
	}

	for _, act := range w.outcome.Activations {
		dialog, err := w.selector.MicroDialog(ctx, act.MicroDialogID)
		if err != nil {
			logger.Debug("Dropping micro dialog activation", "rule_id", act.RuleID,
				"participant_id", w.run.ParticipantID, "micro_dialog_id", act.MicroDialogID, "error", err)
			w.recorder.SideEffectDropped("activation")
			continue
		}
		w.outcome.MicroDialogs = append(w.outcome.MicroDialogs, *dialog)
	}
}
