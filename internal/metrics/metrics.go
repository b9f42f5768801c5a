package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(float64)
}

type Metrics struct {
	Engaged           Counter
	Rebalanced        Counter
	RebalanceIterated Counter
	RipcordCalled     Counter
	Disengaged        Counter
	ActionsFailed     Counter
	AuthRejected      Counter
	PreconditionSkips Counter
	RewardsPaid       Counter
	KeeperPaused      Counter
	KeeperResumed     Counter

	LeverageRatio Gauge
	TwapActive    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		Engaged:           n,
		Rebalanced:        n,
		RebalanceIterated: n,
		RipcordCalled:     n,
		Disengaged:        n,
		ActionsFailed:     n,
		AuthRejected:      n,
		PreconditionSkips: n,
		RewardsPaid:       n,
		KeeperPaused:      n,
		KeeperResumed:     n,
		LeverageRatio:     g,
		TwapActive:        g,
	}
}
