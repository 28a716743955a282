package meter

import "github.com/ineyio/voxmeter"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ voxmeter.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmission(voxmeter.AdmissionEvent)         {}
func (m *NoopMeter) OnResult(voxmeter.ResultEvent)               {}
func (m *NoopMeter) OnRecordFailure(voxmeter.RecordFailureEvent) {}

// Multi fans every event out to several meters in order.
type Multi []voxmeter.Meter

var _ voxmeter.Meter = Multi(nil)

func (m Multi) OnAdmission(e voxmeter.AdmissionEvent) {
	for _, mm := range m {
		mm.OnAdmission(e)
	}
}

func (m Multi) OnResult(e voxmeter.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}

func (m Multi) OnRecordFailure(e voxmeter.RecordFailureEvent) {
	for _, mm := range m {
		mm.OnRecordFailure(e)
	}
}
