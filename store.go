package strand

import "context"

// Store abstracts thread, message, and project persistence. Implementations
// return ErrNotFound for missing records.
type Store interface {
	// --- Threads ---
	CreateThread(ctx context.Context, t Thread) error
	Thread(ctx context.Context, id string) (Thread, error)

	// --- Messages ---
	AddMessage(ctx context.Context, m Message) error
	// Message fetches a single message by ID.
	Message(ctx context.Context, id string) (Message, error)
	// Messages returns a thread's history in insertion order. With
	// visibleOnly set, records the model should not see (status markers
	// and consumed context) are skipped.
	Messages(ctx context.Context, threadID string, visibleOnly bool) ([]Message, error)
	// LatestMessage returns the newest message in the thread whose kind is
	// one of kinds (any kind when none are given), or ErrNotFound.
	LatestMessage(ctx context.Context, threadID string, kinds ...MessageKind) (Message, error)
	DeleteMessage(ctx context.Context, id string) error

	// --- Projects ---
	CreateProject(ctx context.Context, p Project) error
	Project(ctx context.Context, id string) (Project, error)
	// SetProjectSandbox updates the project's sandbox descriptor; nil
	// clears it.
	SetProjectSandbox(ctx context.Context, projectID string, desc *SandboxDescriptor) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
