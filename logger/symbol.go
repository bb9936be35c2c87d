package logger

import (
	"github.com/teranos/showrunner/sym"
	"go.uber.org/zap"
)

// Symbol-aware wrappers. The glyph goes in a structured field, not in the
// message, so logs stay queryable by symbol:
//
//	t.pulseLog = logger.AddPulseSymbol(baseLogger)
//	t.pulseLog.Infow("Ticker started", "interval", interval)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Pulse)
}

// AddPulseOpenSymbol wraps a logger with the PulseOpen symbol (✿)
func AddPulseOpenSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseOpen)
}

// AddPulseCloseSymbol wraps a logger with the PulseClose symbol (❀)
func AddPulseCloseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.PulseClose)
}

// AddCalendarSymbol wraps a logger with the calendar symbol (✦)
func AddCalendarSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.AT)
}

// AddRuleSymbol wraps a logger with the recurring rule symbol (⟶)
func AddRuleSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.SO)
}
