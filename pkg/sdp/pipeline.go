package sdp

import (
	"github.com/pion/sdp/v3"

	"github.com/clearmeet/conference-client/pkg/logger"
)

// Step is one transformation of the munging pipeline. Steps must be
// idempotent: renegotiation re-derives the whole description from current
// state, so every step re-runs on its own output.
type Step interface {
	Name() string
	Apply(parsed *sdp.SessionDescription) error
}

type Pipeline struct {
	logger logger.Logger
	steps  []Step
}

func NewPipeline(l logger.Logger, steps ...Step) *Pipeline {
	return &Pipeline{logger: l, steps: steps}
}

// Apply runs every step in order over the raw description and returns the
// re-serialized result.
func (p *Pipeline) Apply(raw string) (string, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return "", err
	}
	for _, step := range p.steps {
		if err := step.Apply(parsed); err != nil {
			return "", err
		}
		p.logger.Debugw("munging step applied", "step", step.Name())
	}
	return Marshal(parsed)
}
