package broker

import (
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"
)

// InstallLogger routes paho's package-level loggers through l. paho logs through globals, so
// this affects every client in the process. Debug output is only wired when l is at trace
// level.
func InstallLogger(l hclog.Logger) {
	paho := l.Named("paho")
	mqtt.CRITICAL = paho.StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Error})
	mqtt.ERROR = paho.StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Error})
	mqtt.WARN = paho.StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Warn})
	if l.IsTrace() {
		mqtt.DEBUG = paho.StandardLogger(&hclog.StandardLoggerOptions{ForceLevel: hclog.Trace})
	}
}
