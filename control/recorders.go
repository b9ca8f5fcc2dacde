package control

import "context"

// ActionWriter receives the applied actions of every step, e.g. a building
// management gateway
type ActionWriter interface {
	WriteActions(ctx context.Context, actions map[string]float64) error
}

// MirrorActions returns a recorder forwarding applied actions to w
func MirrorActions(w ActionWriter) Recorder {
	return RecorderFunc(func(ctx context.Context, rec *StepRecord) error {
		return w.WriteActions(ctx, rec.Actions)
	})
}
