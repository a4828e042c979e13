package models

import "errors"

// ErrRunnerAssigned is returned when a second execution path is chosen for a record.
var ErrRunnerAssigned = errors.New("runner already assigned")

// RunnerKind names an execution path on the wire.
type RunnerKind string

const (
	RunnerSelfHosted RunnerKind = "self-hosted"
	RunnerThirdParty RunnerKind = "third-party"
)

// Runner is the execution path chosen for a prediction. It is one of
// SelfHosted or ThirdParty.
type Runner interface {
	Kind() RunnerKind
	isRunner()
}

// SelfHosted jobs run on a worker pool and are addressed by the prediction id.
type SelfHosted struct {
	Pool string
}

func (SelfHosted) Kind() RunnerKind { return RunnerSelfHosted }
func (SelfHosted) isRunner()        {}

// ThirdParty jobs run on the external prediction API under ExternalRef.
type ThirdParty struct {
	ExternalRef string
}

func (ThirdParty) Kind() RunnerKind { return RunnerThirdParty }
func (ThirdParty) isRunner()        {}

// AssignRunner records the execution path. It can only be called once per record.
func (p *Prediction) AssignRunner(r Runner) error {
	if p.Runner != nil {
		return ErrRunnerAssigned
	}
	p.Runner = r
	return nil
}
