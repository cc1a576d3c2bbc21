package ipc

// PeerCredentials identifies the process on the other end of a Unix
// socket connection.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}
