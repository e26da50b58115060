package stream

// Fanout forwards events to several publishers in order.
type Fanout []Publisher

// PublishText implements Publisher.
func (f Fanout) PublishText(runID string, text string) {
	for _, p := range f {
		p.PublishText(runID, text)
	}
}

// Complete implements Publisher.
func (f Fanout) Complete(runID string, status string, errorMsg string) {
	for _, p := range f {
		p.Complete(runID, status, errorMsg)
	}
}
