// Package logging builds the agent's zap loggers.
//
// Production mode writes JSON for collectors; development mode writes
// colored console output. Every logger is named "apm" so agent output is
// easy to separate from the host application's, and Component narrows it
// further per subsystem.
//
//	l, err := logging.New(logging.Config{Level: "debug"})
//	if err != nil {
//		return err
//	}
//	exporterLog := l.Component("exporter")
//	exporterLog.Warn("batch dropped", zap.Int("traces", 50))
package logging
