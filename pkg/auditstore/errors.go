package auditstore

import "errors"

// ErrNoDurableSink is returned by read operations when no Store is
// configured (AuditDatabaseURL was empty at Open).
var ErrNoDurableSink = errors.New("auditstore: no durable sink configured")
