package gateway

import "github.com/sirupsen/logrus"

// componentLogger returns a logrus entry pre-tagged with the component name,
// the way cmd/proxy tags entries with logrus.WithField before logging.
func componentLogger(log *logrus.Logger, component string) *logrus.Entry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithField("component", component)
}
