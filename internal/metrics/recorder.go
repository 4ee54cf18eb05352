package metrics

import "time"

// Recorder is the narrow surface session handlers use to report counters.
type Recorder interface {
	ConnectionOpened(service string)
	ConnectionClosed(service string, duration time.Duration)
	ConnectionRejected(service, reason string)
	SessionStarted(service string)
	SessionEnded(service string)
	AuthAttempt(service string, success bool)
	Command(service, commandType string)
	AttackDetected(service, attackType string)
	HTTPRequest(method, path string, status int)
	FTPOperation(operation string)
	PatternDetected(patternType, severity string)
	ServiceUp(service string, up bool)
	ServiceError(service, errorType string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionOpened(string)                {}
func (Nop) ConnectionClosed(string, time.Duration) {}
func (Nop) ConnectionRejected(string, string)      {}
func (Nop) SessionStarted(string)                  {}
func (Nop) SessionEnded(string)                    {}
func (Nop) AuthAttempt(string, bool)               {}
func (Nop) Command(string, string)                 {}
func (Nop) AttackDetected(string, string)          {}
func (Nop) HTTPRequest(string, string, int)        {}
func (Nop) FTPOperation(string)                    {}
func (Nop) PatternDetected(string, string)         {}
func (Nop) ServiceUp(string, bool)                 {}
func (Nop) ServiceError(string, string)            {}
