package game

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// LogNotifier records player notifications in the structured log. A
// push or email backend can replace it behind the same interface.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Notify(_ context.Context, playerID, kind, message string) {
	log.WithFields(log.Fields{
		"player": playerID,
		"kind":   kind,
	}).Info("[NOTIFY] " + message)
}
