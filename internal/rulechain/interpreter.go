package rulechain

import (
	"context"
	"log/slog"
	"time"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
)

// NodeResult records the outcome of one interpreted node.
type NodeResult struct {
	NodeID int64  `json:"nodeId"`
	Name   string `json:"name"`
	Passed bool   `json:"passed,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ActionRecord is one emitted command. No hardware I/O happens in the
// interpreter; applying the command is the caller's effect.
type ActionRecord struct {
	RuleChainID int64     `json:"ruleChainId"`
	NodeID      int64     `json:"nodeId"`
	Command     Command   `json:"command"`
	Webhook     *Webhook  `json:"webhook,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
}

// Summary aggregates node counts for one run.
type Summary struct {
	TotalNodes             int  `json:"totalNodes"`
	FiltersPassed          bool `json:"filtersPassed"`
	TransformationsApplied int  `json:"transformationsApplied"`
	ActionsExecuted        int  `json:"actionsExecuted"`
}

// NodeResults groups per-node outcomes by node type.
type NodeResults struct {
	Filters         []NodeResult `json:"filters"`
	Transformations []NodeResult `json:"transformations"`
	Actions         []NodeResult `json:"actions"`
}

// ExecutionDetails carries the walk trace and the post-transform scope.
type ExecutionDetails struct {
	ExecutedNodes []string `json:"executedNodes"`
	FinalData     *Scope   `json:"finalData"`
}

// Result is the full outcome of interpreting one chain against one
// scope.
type Result struct {
	RuleChainID      int64            `json:"ruleChainId"`
	Name             string           `json:"name"`
	Status           string           `json:"status"`
	Error            string           `json:"error,omitempty"`
	Code             aemoserr.Code    `json:"code,omitempty"`
	Summary          Summary          `json:"summary"`
	NodeResults      NodeResults      `json:"nodeResults"`
	ExecutionDetails ExecutionDetails `json:"executionDetails"`
	Actions          []ActionRecord   `json:"actions,omitempty"`
}

// Interpreter walks parsed chains. It holds no per-run state; a single
// Interpreter serves every worker.
type Interpreter struct {
	log   *slog.Logger
	clock func() time.Time
}

// NewInterpreter returns an interpreter logging through logger.
func NewInterpreter(logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{log: logger, clock: time.Now}
}

// Run interprets chain against scope. Walk order is canonical order
// adjusted by NextNodeID links. A false filter short-circuits the walk
// with status success and filtersPassed false. The context deadline is
// checked at every node boundary; on expiry the run fails with
// RULE_CHAIN_TIMEOUT, reporting any actions already emitted.
func (in *Interpreter) Run(ctx context.Context, chain *Chain, scope *Scope) Result {
	res := Result{
		RuleChainID: chain.ID,
		Name:        chain.Name,
		Status:      "success",
		Summary:     Summary{TotalNodes: len(chain.Nodes), FiltersPassed: true},
	}
	if scope == nil {
		scope = NewScope()
	}

	idx := 0
	for idx >= 0 && idx < len(chain.Nodes) {
		if err := ctx.Err(); err != nil {
			in.timeoutResult(&res, chain, err)
			return res
		}

		node := &chain.Nodes[idx]
		res.ExecutionDetails.ExecutedNodes = append(res.ExecutionDetails.ExecutedNodes, node.Name)

		switch {
		case node.Filter != nil:
			passed, err := evalExpression(node.Filter, scope, in.clock())
			nr := NodeResult{NodeID: node.ID, Name: node.Name, Passed: passed}
			if err != nil {
				nr.Error = err.Error()
				res.NodeResults.Filters = append(res.NodeResults.Filters, nr)
				res.Status = "error"
				res.Error = err.Error()
				res.Code = aemoserr.CodeOf(err)
				res.Summary.FiltersPassed = false
				res.ExecutionDetails.FinalData = scope
				in.log.Warn("rule chain filter failed",
					"ruleChainId", chain.ID, "node", node.Name, "error", err)
				return res
			}
			res.NodeResults.Filters = append(res.NodeResults.Filters, nr)
			if !passed {
				res.Summary.FiltersPassed = false
				res.ExecutionDetails.FinalData = scope
				return res
			}

		case node.Transform != nil:
			scope = applyTransform(scope, node.Transform)
			res.NodeResults.Transformations = append(res.NodeResults.Transformations,
				NodeResult{NodeID: node.ID, Name: node.Name, Passed: true})
			res.Summary.TransformationsApplied++

		case node.Action != nil:
			rec := ActionRecord{
				RuleChainID: chain.ID,
				NodeID:      node.ID,
				Command:     node.Action.Command,
				Webhook:     node.Action.Webhook,
				Timestamp:   in.clock(),
				Status:      "success",
			}
			res.Actions = append(res.Actions, rec)
			res.NodeResults.Actions = append(res.NodeResults.Actions,
				NodeResult{NodeID: node.ID, Name: node.Name, Passed: true})
			res.Summary.ActionsExecuted++
		}

		idx = chain.nextIndex(idx)
	}

	res.ExecutionDetails.FinalData = scope
	return res
}

func (in *Interpreter) timeoutResult(res *Result, chain *Chain, cause error) {
	err := aemoserr.Wrap(aemoserr.CodeRuleChainTimeout, "rule chain aborted at deadline", cause).
		With("ruleChainId", chain.ID)
	res.Status = "error"
	res.Error = err.Error()
	res.Code = aemoserr.CodeRuleChainTimeout
	in.log.Warn("rule chain timed out",
		"ruleChainId", chain.ID,
		"executedNodes", len(res.ExecutionDetails.ExecutedNodes),
		"actionsEmitted", len(res.Actions))
}
