package gate

import "gateline/internal/domain"

// Output is the verdict of one validator. It is one of Passed, Failed,
// Warning or Skipped; every variant carries the same diagnostic trail.
type Output interface {
	Status() string
	Summary() string
	Trail() domain.ValidationContext
	isOutput()
}

type Passed struct {
	Message     string
	Diagnostics domain.ValidationContext
}

type Failed struct {
	Message     string
	Evidence    string
	Diagnostics domain.ValidationContext
}

type Warning struct {
	Message     string
	Evidence    string
	Diagnostics domain.ValidationContext
}

type Skipped struct {
	Reason      string
	Diagnostics domain.ValidationContext
}

func (Passed) Status() string  { return domain.StatusPassed }
func (Failed) Status() string  { return domain.StatusFailed }
func (Warning) Status() string { return domain.StatusWarning }
func (Skipped) Status() string { return domain.StatusSkipped }

func (o Passed) Summary() string  { return o.Message }
func (o Failed) Summary() string  { return o.Message }
func (o Warning) Summary() string { return o.Message }
func (o Skipped) Summary() string { return o.Reason }

func (o Passed) Trail() domain.ValidationContext  { return o.Diagnostics }
func (o Failed) Trail() domain.ValidationContext  { return o.Diagnostics }
func (o Warning) Trail() domain.ValidationContext { return o.Diagnostics }
func (o Skipped) Trail() domain.ValidationContext { return o.Diagnostics }

func (Passed) isOutput()  {}
func (Failed) isOutput()  {}
func (Warning) isOutput() {}
func (Skipped) isOutput() {}

// evidence returns the evidence text of a failing or warning output.
func evidence(o Output) string {
	switch v := o.(type) {
	case Failed:
		return v.Evidence
	case Warning:
		return v.Evidence
	}
	return ""
}
