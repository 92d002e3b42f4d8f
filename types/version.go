package types

// Version is the canonical project version.
// The CLI and the capture format share this version.
const Version = "0.2.0"

// CaptureVersion is the capture record format version written into every
// capture header. Bumped only when the record layout changes.
const CaptureVersion = "0.1.0"
