package engine

// Mode is the engine's current persistence tier and handle state. It is
// exposed to consumers so the UI layer can render the right banner, and it
// is readable at any time without side effects.
type Mode int

const (
	// ModeUninitialized is the state before Init completes.
	ModeUninitialized Mode = iota

	// ModeAcquiring is the transient state while the user is being
	// prompted for a backing file.
	ModeAcquiring

	// ModeFile means the document persists to a user-chosen file.
	ModeFile

	// ModeKV means the document persists to the embedded key-value store.
	// Once chosen this mode is terminal: no file capability existed at
	// startup and availability is never re-probed.
	ModeKV

	// ModeMemory means the document lives in process memory only.
	ModeMemory

	// ModeNeedsPermission means a file handle exists but access to it was
	// lost. The UI may offer a restore action that calls ChangeFile.
	ModeNeedsPermission
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeUninitialized:
		return "uninitialized"
	case ModeAcquiring:
		return "acquiring"
	case ModeFile:
		return "file"
	case ModeKV:
		return "kv"
	case ModeMemory:
		return "memory"
	case ModeNeedsPermission:
		return "needs-permission"
	default:
		return "unknown"
	}
}

// Persistent reports whether the mode writes to a durable backing store.
func (m Mode) Persistent() bool {
	return m == ModeFile || m == ModeKV
}
