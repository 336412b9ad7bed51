package api

const taskBodyMaxSize = 64 * 1024 // 64 KiB

// PATCH /api/tasks/:id/complete request body
type completeRequest struct {
	Completed bool `json:"completed"`
}
