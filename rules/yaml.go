package rules

import (
	"context"
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// forestFile is the document layout of a YAML rule forest
type forestFile struct {
	Rules []map[string]any `yaml:"rules"`
}

// yamlNode lists the keys a rule entry may carry
type yamlNode struct {
	ID                    string `mapstructure:"id"`
	Parent                string `mapstructure:"parent"`
	Variant               string `mapstructure:"variant"`
	Order                 int    `mapstructure:"order"`
	Sign                  string `mapstructure:"sign"`
	Operand               string `mapstructure:"operand"`
	Comparison            string `mapstructure:"comparison"`
	StoreResultToVariable string `mapstructure:"store_result_to"`
	Comment               string `mapstructure:"comment"`

	InterventionID   string `mapstructure:"intervention"`
	MonitoringRuleID string `mapstructure:"monitoring_rule"`
	DecisionPointID  string `mapstructure:"decision_point"`

	Case          string `mapstructure:"case"`
	Master        bool   `mapstructure:"master"`
	GotAnswer     bool   `mapstructure:"got_answer"`
	HourToSend    int    `mapstructure:"hour_to_send"`
	AnswerTimeout int    `mapstructure:"answer_timeout_minutes"`

	SendMessageGroup string `mapstructure:"send_message_group"`
	ActivateDialog   string `mapstructure:"activate_micro_dialog"`

	StopIntervention bool `mapstructure:"stop_intervention"`
	MarkCaseSolved   bool `mapstructure:"mark_case_solved"`

	LeaveDecisionPoint     bool   `mapstructure:"leave_decision_point"`
	StopMicroDialog        bool   `mapstructure:"stop_micro_dialog"`
	NextMicroDialog        string `mapstructure:"next_micro_dialog"`
	NextDialogMessageTrue  string `mapstructure:"next_message_when_true"`
	NextDialogMessageFalse string `mapstructure:"next_message_when_false"`
}

// ParseYAML decodes a rule forest. Variant-specific keys follow the
// persisted column names; a node sends or activates when the target key is set.
func ParseYAML(r io.Reader) ([]*Node, error) {
	var doc forestFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule forest: %w", err)
	}

	nodes := make([]*Node, 0, len(doc.Rules))
	for i, raw := range doc.Rules {
		var yn yamlNode
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &yn,
			ErrorUnused:      true,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i+1, err)
		}

		row := nodeRow{
			ID:                    yn.ID,
			ParentID:              yn.Parent,
			Variant:               yn.Variant,
			GotAnswer:             yn.GotAnswer,
			CaseType:              yn.Case,
			IsMaster:              yn.Master,
			Order:                 yn.Order,
			EquationSign:          yn.Sign,
			OperandTerm:           yn.Operand,
			ComparisonTerm:        yn.Comparison,
			StoreResultToVariable: yn.StoreResultToVariable,
			Comment:               yn.Comment,
			HourToSend:            yn.HourToSend,
			AnswerTimeout:         yn.AnswerTimeout,
			SendMessage:           yn.SendMessageGroup != "",
			MessageGroupID:        yn.SendMessageGroup,
			ActivateMicroDialog:   yn.ActivateDialog != "",
			MicroDialogID:         yn.ActivateDialog,
			StopIntervention:      yn.StopIntervention,
			MarkSolved:            yn.MarkCaseSolved,
			LeaveDecisionPoint:    yn.LeaveDecisionPoint,
			StopDialog:            yn.StopMicroDialog,
			NextDialog:            yn.NextMicroDialog,
			NextMessageTrue:       yn.NextDialogMessageTrue,
			NextMsgFalse:          yn.NextDialogMessageFalse,
		}
		switch yn.Variant {
		case "monitoring":
			row.ScopeID = yn.InterventionID
		case "monitoring_reply":
			row.ScopeID = yn.MonitoringRuleID
		case "micro_dialog":
			row.ScopeID = yn.DecisionPointID
		}

		n, err := row.node()
		if err != nil {
			return nil, err
		}
		if err := Validate(n); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// LoadYAML parses a forest and adds every node to store
func LoadYAML(ctx context.Context, store Store, r io.Reader) (int, error) {
	nodes, err := ParseYAML(r)
	if err != nil {
		return 0, err
	}
	for _, n := range nodes {
		if err := store.Add(ctx, n); err != nil {
			return 0, err
		}
	}
	return len(nodes), nil
}
