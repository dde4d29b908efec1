package dto

type UploadRequest struct {
	Filename string `json:"filename" binding:"required"`
	Mode     string `json:"mode" binding:"required"`
}

type UploadResponse struct {
	UploadURL string `json:"upload_url"`
	JobID     string `json:"job_id"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string `json:"job_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	ObjectKey   string `json:"object_key"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

type ObjectResponse struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}
