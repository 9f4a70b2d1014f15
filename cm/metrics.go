package cm

// MultiMetricHook fans every measurement out to each non-nil hook.
func MultiMetricHook(hooks ...MetricHook) MetricHook {
	var live multiMetricHook
	for _, h := range hooks {
		if h != nil {
			live = append(live, h)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return live
}

type multiMetricHook []MetricHook

func (m multiMetricHook) ListenerStarted(attrs map[string]string) {
	for _, h := range m {
		h.ListenerStarted(attrs)
	}
}

func (m multiMetricHook) ListenerStopped(attrs map[string]string) {
	for _, h := range m {
		h.ListenerStopped(attrs)
	}
}

func (m multiMetricHook) ConnectCompleted(attrs map[string]string) {
	for _, h := range m {
		h.ConnectCompleted(attrs)
	}
}

func (m multiMetricHook) ConnectFailed(err error, attrs map[string]string) {
	for _, h := range m {
		h.ConnectFailed(err, attrs)
	}
}

func (m multiMetricHook) AcceptCompleted(attrs map[string]string) {
	for _, h := range m {
		h.AcceptCompleted(attrs)
	}
}

func (m multiMetricHook) AcceptFailed(err error, attrs map[string]string) {
	for _, h := range m {
		h.AcceptFailed(err, attrs)
	}
}
