package logger

import (
	"github.com/sirupsen/logrus"
)

// NewStructured returns a logrus.Logger that writes through the package's
// syslog-backed Writer (New() must have been called already so the
// Writer exists). Components should log through this rather than the
// bare log/syslog Priority helpers above, which remain for compatibility
// with code predating the structured logger.
func NewStructured(w *Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	return l
}
