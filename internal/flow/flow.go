// Package flow implements the staged pipeline that drives a task evaluation.
//
// A pipeline is a directed acyclic graph of nodes. Each node runs in three
// phases: Prep reads from the shared state, Exec performs the work without
// touching shared state, and Post writes results back and names the outgoing
// transition. The flow walks the graph until it reaches an outcome with no
// mapped successor.
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// Outcome names the transition a node selects after Post.
type Outcome string

// OutcomeDefault is the single unconditional transition.
const OutcomeDefault Outcome = "default"

// Node is one pipeline stage over a shared state of type S.
//
// Prep must not mutate the state. Exec must be idempotent: it may be invoked
// more than once when the node's retry policy is non-zero. Post owns all
// writes back into the state.
type Node[S any] interface {
	Name() string
	Prep(s S) (any, error)
	Exec(ctx context.Context, in any) (any, error)
	Post(s S, in, out any) (Outcome, error)
}

// Policy bounds automatic Exec retries for a node.
type Policy struct {
	MaxRetries int
	Wait       time.Duration
}

// Retryable is implemented by nodes that want Exec retried on transient
// failure. Nodes without a policy run Exec exactly once.
type Retryable interface {
	RetryPolicy() Policy
}

// Base carries a retry policy for embedding into node implementations.
type Base struct {
	Policy Policy
}

// RetryPolicy returns the embedded policy.
func (b Base) RetryPolicy() Policy { return b.Policy }

// Flow is a built, validated pipeline.
type Flow[S any] struct {
	start Node[S]
	edges map[string]map[Outcome]Node[S]
}

// Builder assembles a pipeline graph.
type Builder[S any] struct {
	start Node[S]
	edges map[string]map[Outcome]Node[S]
	err   error
}

// NewBuilder creates an empty pipeline builder.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{edges: make(map[string]map[Outcome]Node[S])}
}

// Start sets the entry node.
func (b *Builder[S]) Start(n Node[S]) *Builder[S] {
	b.start = n
	return b
}

// On routes the given outcome of from to the to node.
func (b *Builder[S]) On(from Node[S], out Outcome, to Node[S]) *Builder[S] {
	if b.err != nil {
		return b
	}
	m, ok := b.edges[from.Name()]
	if !ok {
		m = make(map[Outcome]Node[S])
		b.edges[from.Name()] = m
	}
	if _, dup := m[out]; dup {
		b.err = fmt.Errorf("duplicate transition %s/%s", from.Name(), out)
		return b
	}
	m[out] = to
	return b
}

// Then routes the default outcome of from to the to node.
func (b *Builder[S]) Then(from, to Node[S]) *Builder[S] {
	return b.On(from, OutcomeDefault, to)
}

// Build validates the graph and returns the runnable flow. The graph must
// have a start node and must be acyclic.
func (b *Builder[S]) Build() (*Flow[S], error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.start == nil {
		return nil, fmt.Errorf("flow has no start node")
	}
	if cycle := findCycle(b.start.Name(), b.edges); cycle != "" {
		return nil, fmt.Errorf("flow contains a cycle through %s", cycle)
	}
	return &Flow[S]{start: b.start, edges: b.edges}, nil
}

func findCycle[S any](start string, edges map[string]map[Outcome]Node[S]) string {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var visit func(name string) string
	visit = func(name string) string {
		switch state[name] {
		case visiting:
			return name
		case done:
			return ""
		}
		state[name] = visiting
		for _, next := range edges[name] {
			if hit := visit(next.Name()); hit != "" {
				return hit
			}
		}
		state[name] = done
		return ""
	}
	return visit(start)
}

// Run executes the pipeline over the shared state until a node selects an
// outcome with no mapped successor. The first node error aborts the run.
func (f *Flow[S]) Run(ctx context.Context, s S) error {
	cur := f.start
	for cur != nil {
		out, err := runNode(ctx, cur, s)
		if err != nil {
			return fmt.Errorf("node %s: %w", cur.Name(), err)
		}
		log.Debug().Str("node", cur.Name()).Str("outcome", string(out)).Msg("node finished")
		cur = f.edges[cur.Name()][out]
	}
	return nil
}

func runNode[S any](ctx context.Context, n Node[S], s S) (Outcome, error) {
	in, err := n.Prep(s)
	if err != nil {
		return "", err
	}

	policy := Policy{}
	if r, ok := n.(Retryable); ok {
		policy = r.RetryPolicy()
	}

	var out any
	if policy.MaxRetries <= 0 {
		out, err = n.Exec(ctx, in)
	} else {
		wait := policy.Wait
		if wait <= 0 {
			wait = 500 * time.Millisecond
		}
		backoff := retry.WithMaxRetries(uint64(policy.MaxRetries), retry.NewExponential(wait))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			v, execErr := n.Exec(ctx, in)
			if execErr != nil {
				if IsFatal(execErr) {
					return execErr
				}
				log.Warn().Str("node", n.Name()).Err(execErr).Msg("exec failed, will retry")
				return retry.RetryableError(execErr)
			}
			out = v
			return nil
		})
	}
	if err != nil {
		return "", err
	}
	return n.Post(s, in, out)
}
