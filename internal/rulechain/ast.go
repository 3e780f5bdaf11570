// Package rulechain implements the rule-chain configuration language and
// its interpreter: filter expression trees with a fixed operator algebra,
// numeric transforms, and device-command actions. Configurations are
// parsed once when a chain is loaded, not at every event.
package rulechain

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
	"github.com/aemos-iot/aemos-core/internal/model"
)

// SourceType selects which half of the data scope a leaf reads from.
type SourceType string

const (
	SourceSensor SourceType = "sensor"
	SourceDevice SourceType = "device"
)

// Expression is a filter expression tree node: either a Leaf comparison
// or a Composite AND/OR over sub-expressions.
type Expression interface {
	isExpression()
}

// Leaf compares one value from the data scope against a configured
// operand. Duration is only meaningful for the temporal operators.
type Leaf struct {
	SourceType SourceType `json:"sourceType"`
	UUID       string     `json:"UUID"`
	Key        string     `json:"key"`
	Operator   string     `json:"operator"`
	Value      any        `json:"value,omitempty"`
	Duration   string     `json:"duration,omitempty"`
}

func (*Leaf) isExpression() {}

// CompositeOp is the boolean connective of a Composite expression.
type CompositeOp string

const (
	OpAnd CompositeOp = "AND"
	OpOr  CompositeOp = "OR"
)

// Composite combines sub-expressions with AND (all true) or OR (any
// true) semantics.
type Composite struct {
	Op          CompositeOp
	Expressions []Expression
}

func (*Composite) isExpression() {}

// Transform applies a numeric operation to every value in the scope
// whose key matches, producing a new scope.
type Transform struct {
	Key       string  `json:"key"`
	Operation string  `json:"operation"` // multiply, add, subtract, divide
	Operand   float64 `json:"operand"`
}

// Command is the device-state mutation an action emits.
type Command struct {
	DeviceUUID string `json:"deviceUuid"`
	StateName  string `json:"stateName"`
	Value      any    `json:"value"`
}

// Webhook is an outbound HTTP delivery an action emits instead of a
// device command. Method defaults to POST.
type Webhook struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
}

// Action emits a device command or a webhook delivery when reached.
type Action struct {
	Type    string   `json:"type"`
	Command Command  `json:"command"`
	Webhook *Webhook `json:"webhook,omitempty"`
}

// Node is a parsed rule-chain node: exactly one of Filter, Transform,
// or Action is set, matching Type.
type Node struct {
	ID         int64
	Name       string
	Type       model.NodeType
	NextNodeID int64

	Filter    Expression
	Transform *Transform
	Action    *Action
}

// Chain is a fully parsed rule chain ready for interpretation. Nodes is
// in canonical order (filters, then transforms, then actions, name as
// tie-break); Walk order additionally honors NextNodeID links.
type Chain struct {
	ID             int64
	Name           string
	OrganizationID int64
	ExecutionType  model.ExecutionType
	MaxRetries     int
	RetryDelayMs   int

	Nodes []Node
	byID  map[int64]int
}

// rawExpr is the wire shape of an expression. A composite carries Type
// and Expressions; a leaf carries everything else.
type rawExpr struct {
	Type        string          `json:"type,omitempty"`
	Expressions []json.RawMessage `json:"expressions,omitempty"`

	SourceType SourceType `json:"sourceType,omitempty"`
	UUID       string     `json:"UUID,omitempty"`
	Key        string     `json:"key,omitempty"`
	Operator   string     `json:"operator,omitempty"`
	Value      any        `json:"value,omitempty"`
	Duration   string     `json:"duration,omitempty"`
}

// ParseExpression decodes a serialized filter expression. It is the
// inverse of MarshalExpression.
func ParseExpression(raw []byte) (Expression, error) {
	var re rawExpr
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, aemoserr.Wrap(aemoserr.CodeValidation, "invalid filter config", err)
	}
	return buildExpression(re)
}

func buildExpression(re rawExpr) (Expression, error) {
	switch CompositeOp(re.Type) {
	case OpAnd, OpOr:
		c := &Composite{Op: CompositeOp(re.Type)}
		for _, sub := range re.Expressions {
			var sre rawExpr
			if err := json.Unmarshal(sub, &sre); err != nil {
				return nil, aemoserr.Wrap(aemoserr.CodeValidation, "invalid sub-expression", err)
			}
			e, err := buildExpression(sre)
			if err != nil {
				return nil, err
			}
			c.Expressions = append(c.Expressions, e)
		}
		if len(c.Expressions) == 0 {
			return nil, aemoserr.New(aemoserr.CodeValidation, "composite expression has no children")
		}
		return c, nil
	case "":
		if re.Operator == "" {
			return nil, aemoserr.New(aemoserr.CodeValidation, "leaf expression missing operator")
		}
		if re.SourceType != SourceSensor && re.SourceType != SourceDevice {
			return nil, aemoserr.New(aemoserr.CodeValidation, "leaf expression has invalid sourceType").
				With("sourceType", string(re.SourceType))
		}
		return &Leaf{
			SourceType: re.SourceType,
			UUID:       re.UUID,
			Key:        re.Key,
			Operator:   re.Operator,
			Value:      re.Value,
			Duration:   re.Duration,
		}, nil
	default:
		return nil, aemoserr.New(aemoserr.CodeValidation, "unknown composite type").
			With("type", re.Type)
	}
}

// MarshalExpression serializes an expression back to its wire form.
// ParseExpression(MarshalExpression(e)) reproduces e.
func MarshalExpression(e Expression) ([]byte, error) {
	switch v := e.(type) {
	case *Leaf:
		return json.Marshal(v)
	case *Composite:
		subs := make([]json.RawMessage, 0, len(v.Expressions))
		for _, sub := range v.Expressions {
			b, err := MarshalExpression(sub)
			if err != nil {
				return nil, err
			}
			subs = append(subs, b)
		}
		return json.Marshal(map[string]any{
			"type":        string(v.Op),
			"expressions": subs,
		})
	default:
		return nil, fmt.Errorf("unknown expression type %T", e)
	}
}

// parseNode decodes one persisted node's config according to its type.
func parseNode(n model.RuleChainNode) (Node, error) {
	node := Node{ID: n.ID, Name: n.Name, Type: n.Type, NextNodeID: n.NextNodeID}

	switch n.Type {
	case model.NodeFilter:
		expr, err := ParseExpression([]byte(n.Config))
		if err != nil {
			return Node{}, fmt.Errorf("node %q: %w", n.Name, err)
		}
		node.Filter = expr
	case model.NodeTransform:
		var tr Transform
		if err := json.Unmarshal([]byte(n.Config), &tr); err != nil {
			return Node{}, aemoserr.Wrap(aemoserr.CodeValidation, "invalid transform config", err).
				With("node", n.Name)
		}
		switch tr.Operation {
		case "multiply", "add", "subtract", "divide":
		default:
			return Node{}, aemoserr.New(aemoserr.CodeValidation, "unknown transform operation").
				With("node", n.Name).With("operation", tr.Operation)
		}
		node.Transform = &tr
	case model.NodeAction:
		var ac Action
		if err := json.Unmarshal([]byte(n.Config), &ac); err != nil {
			return Node{}, aemoserr.Wrap(aemoserr.CodeValidation, "invalid action config", err).
				With("node", n.Name)
		}
		if ac.Webhook != nil {
			if ac.Webhook.URL == "" {
				return Node{}, aemoserr.New(aemoserr.CodeValidation, "webhook action requires url").
					With("node", n.Name)
			}
			if ac.Webhook.Method == "" {
				ac.Webhook.Method = "POST"
			}
		} else if ac.Command.DeviceUUID == "" || ac.Command.StateName == "" || ac.Command.Value == nil {
			return Node{}, aemoserr.New(aemoserr.CodeValidation, "action command requires deviceUuid, stateName, value").
				With("node", n.Name)
		}
		node.Action = &ac
	default:
		return Node{}, aemoserr.New(aemoserr.CodeValidation, "unknown node type").
			With("node", n.Name).With("type", string(n.Type))
	}

	return node, nil
}

// typeRank orders node types in canonical execution order.
func typeRank(t model.NodeType) int {
	switch t {
	case model.NodeFilter:
		return 0
	case model.NodeTransform:
		return 1
	default:
		return 2
	}
}

// Load parses a chain's nodes, sorts them into canonical order, and
// verifies the NextNodeID links form a cycle-free walk. Parsing happens
// here, once per chain load, never per event.
func Load(rc model.RuleChain, nodes []model.RuleChainNode) (*Chain, error) {
	c := &Chain{
		ID:             rc.ID,
		Name:           rc.Name,
		OrganizationID: rc.OrganizationID,
		ExecutionType:  rc.ExecutionType,
		MaxRetries:     rc.MaxRetries,
		RetryDelayMs:   rc.RetryDelayMs,
		byID:           make(map[int64]int, len(nodes)),
	}

	for _, n := range nodes {
		parsed, err := parseNode(n)
		if err != nil {
			return nil, fmt.Errorf("chain %q: %w", rc.Name, err)
		}
		c.Nodes = append(c.Nodes, parsed)
	}

	sort.SliceStable(c.Nodes, func(i, j int) bool {
		ri, rj := typeRank(c.Nodes[i].Type), typeRank(c.Nodes[j].Type)
		if ri != rj {
			return ri < rj
		}
		return c.Nodes[i].Name < c.Nodes[j].Name
	})

	for i, n := range c.Nodes {
		c.byID[n.ID] = i
	}

	// Validate NextNodeID targets and reject cyclic walks up front so
	// the interpreter never has to.
	for _, n := range c.Nodes {
		if n.NextNodeID == 0 {
			continue
		}
		if _, ok := c.byID[n.NextNodeID]; !ok {
			return nil, aemoserr.New(aemoserr.CodeValidation, "nextNodeId points outside chain").
				With("chain", rc.Name).With("node", n.Name)
		}
	}
	if err := c.checkAcyclic(); err != nil {
		return nil, err
	}

	return c, nil
}

// checkAcyclic simulates the walk the interpreter performs and fails if
// any node would be visited twice.
func (c *Chain) checkAcyclic() error {
	if len(c.Nodes) == 0 {
		return nil
	}
	visited := make(map[int64]bool, len(c.Nodes))
	idx := 0
	for idx >= 0 && idx < len(c.Nodes) {
		n := c.Nodes[idx]
		if visited[n.ID] {
			return aemoserr.New(aemoserr.CodeValidation, "rule chain contains a cycle").
				With("chain", c.Name).With("node", n.Name)
		}
		visited[n.ID] = true
		idx = c.nextIndex(idx)
	}
	return nil
}

// nextIndex returns the walk successor of the node at idx: the explicit
// NextNodeID target when set, otherwise the following node in canonical
// order. Returns -1 at the end of the chain.
func (c *Chain) nextIndex(idx int) int {
	n := c.Nodes[idx]
	if n.NextNodeID != 0 {
		return c.byID[n.NextNodeID]
	}
	if idx+1 < len(c.Nodes) {
		return idx + 1
	}
	return -1
}

// Leaves returns the distinct (sourceType, UUID, key) references across
// every filter in the chain, recursing through composites. The engine
// index and the data collector both consume this.
func (c *Chain) Leaves() []LeafRef {
	seen := make(map[LeafRef]bool)
	var out []LeafRef
	var walk func(e Expression)
	walk = func(e Expression) {
		switch v := e.(type) {
		case *Leaf:
			ref := LeafRef{SourceType: v.SourceType, UUID: v.UUID, Key: v.Key}
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		case *Composite:
			for _, sub := range v.Expressions {
				walk(sub)
			}
		}
	}
	for _, n := range c.Nodes {
		if n.Filter != nil {
			walk(n.Filter)
		}
	}
	return out
}

// LeafRef identifies one input a chain depends on.
type LeafRef struct {
	SourceType SourceType
	UUID       string
	Key        string
}
