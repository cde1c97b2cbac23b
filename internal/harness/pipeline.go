package harness

import (
	"github.com/metalagman/medbench/internal/flow"
	"github.com/metalagman/medbench/internal/score"
	"github.com/metalagman/medbench/internal/task"
	"github.com/metalagman/medbench/internal/tools"
)

// buildPrepPipeline assembles the linear preparation chain: load the task,
// discover tool capabilities, render the prompt.
func buildPrepPipeline(source task.Source, disc *tools.Discoverer) (*flow.Flow[*State], error) {
	load := newLoadTaskNode(source)
	discover := newDiscoverToolsNode(disc)
	prompt := &buildPromptNode{}

	return flow.NewBuilder[*State]().
		Start(load).
		Then(load, discover).
		Then(discover, prompt).
		Build()
}

// buildEvalPipeline assembles the branching evaluation chain. Valid replies
// go through the scorer, rejected ones through failure recording; both
// branches converge on the report node.
func buildEvalPipeline(reg *score.Registry) (*flow.Flow[*State], error) {
	dispatch := newDispatchNode()
	validate := &validateNode{}
	scorer := &scoreNode{registry: reg}
	record := &recordFailureNode{}
	rep := &reportNode{}

	return flow.NewBuilder[*State]().
		Start(dispatch).
		Then(dispatch, validate).
		On(validate, outcomeValid, scorer).
		On(validate, outcomeInvalid, record).
		Then(scorer, rep).
		Then(record, rep).
		Build()
}
