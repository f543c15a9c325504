// Package device implements the terminal device that sits between a UI
// surface and the session running behind it.
//
// A Device owns the window geometry, the mode flags (raw, auto carriage
// return, secure text entry) and the single readline that may be pending.
// Sessions attach through Attach and receive a Port; the Port is invalidated
// the moment another session attaches or the device closes, which is what
// keeps output from a finished session from leaking into its successor.
//
// All state is guarded by one mutex per Device. Output writes are serialized
// separately so a slow surface never blocks geometry reads.
package device
