package permission

type Level string

const (
	LevelOwner  Level = "owner"
	LevelEditor Level = "editor"
	LevelViewer Level = "viewer"
)

// Assignable reports whether a level may be granted to a non-owner
// collaborator. The owner level is assigned once at document creation
// and never by the API.
func Assignable(level string) bool {
	switch Level(level) {
	case LevelEditor, LevelViewer:
		return true
	default:
		return false
	}
}

func Valid(level string) bool {
	switch Level(level) {
	case LevelOwner, LevelEditor, LevelViewer:
		return true
	default:
		return false
	}
}
