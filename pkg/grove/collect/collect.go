// Package collect holds the consumers of a traversal pass: validators that
// check values against their field specs, and collectors that extract
// derived data (search text, references, locations, component inventory,
// unique-index candidates). All of them are reducers over the node stream;
// Run feeds one shared pass to any number of them.
package collect

import (
	"iter"

	"github.com/grovecms/grove/pkg/grove/traverse"
)

// Collector consumes traversal nodes. Implementations accumulate state and
// expose a typed result getter after the pass completes.
type Collector interface {
	Collect(traverse.Node)
}

// Run drives every collector off a single traversal pass.
func Run(nodes iter.Seq[traverse.Node], collectors ...Collector) {
	for node := range nodes {
		for _, c := range collectors {
			c.Collect(node)
		}
	}
}

// IssueKind classifies a validation issue.
type IssueKind string

// Issue kinds (typed).
const (
	IssueKindInvalid     IssueKind = "invalid"
	IssueKindRequired    IssueKind = "required"
	IssueKindConflict    IssueKind = "conflict"
	IssueKindUnpublished IssueKind = "unpublished"
)

// Issue is one validation problem, located by its content path. Validators
// never fail hard; they append issues and let the caller decide.
type Issue struct {
	Path    traverse.Path `json:"-"`
	Kind    IssueKind     `json:"kind"`
	Message string        `json:"message"`
}

func (i Issue) Error() string {
	return i.Path.String() + ": " + i.Message
}
