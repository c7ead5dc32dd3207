package snapshot

import "errors"

// ErrUnsupportedVersion is returned by Unmarshal when the encoded
// snapshot's version is newer than this build's CurrentVersion.
var ErrUnsupportedVersion = errors.New("snapshot: unsupported version")
