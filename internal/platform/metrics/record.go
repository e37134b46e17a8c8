package metrics

// Nil-safe recording helpers; components hold an optional *Metrics.

func (m *Metrics) ModerationRejected(reason string) {
	if m != nil {
		m.ModerationRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) MessageSent(conversation, content string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(conversation, content).Inc()
	}
}

func (m *Metrics) SendFailed(outcome string) {
	if m != nil {
		m.SendFailures.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) MessageReceived(visibility string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(visibility).Inc()
	}
}

func (m *Metrics) IdentitySwapped() {
	if m != nil {
		m.IdentitySwaps.Inc()
	}
}

func (m *Metrics) RestoreAttempted(failed bool) {
	if m == nil {
		return
	}
	m.RestoreAttempts.Inc()
	if failed {
		m.RestoreFailures.Inc()
	}
}

func (m *Metrics) BlocksReconciled(result string, blocked int) {
	if m == nil {
		return
	}
	m.BlockReconciles.WithLabelValues(result).Inc()
	if result == "ok" {
		m.BlockedPeers.Set(float64(blocked))
	}
}

func (m *Metrics) EventDispatched(kind string) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventDropped(reason string) {
	if m != nil {
		m.EventsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ListenersActive(n int) {
	if m != nil {
		m.ActiveListeners.Set(float64(n))
	}
}

func (m *Metrics) GroupTransition(operation string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.GroupTransitions.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) CapacityRejected() {
	if m != nil {
		m.CapacityRejections.Inc()
	}
}
