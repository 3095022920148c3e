package transport

// StartRequest begins a broadcast or listen session for a preacher's room.
type StartRequest struct {
	PreacherID string `json:"preacherId" binding:"required,preacherid"`
}
