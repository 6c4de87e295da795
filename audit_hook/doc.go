// Package audithook is a conveyor extension that turns job lifecycle
// signals into audit events.
//
// Each signal becomes one [AuditEvent] handed to a [Recorder]: info
// severity for normal progress, warning for retries and timeouts, critical
// for terminal failures. Recorder errors are logged and
// never reach the execution loop.
//
// # Recording to the process log
//
//	eng, _ := engine.New(s, engine.WithExtension(
//	    audithook.New(audithook.NewSlogRecorder(logger)),
//	))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionJobTimeout,
//	    ),
//	)
package audithook
