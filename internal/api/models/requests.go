package models

// WorkflowJobEvent is the subset of a GitHub workflow_job webhook
// delivery this service consumes. Signature verification happens
// upstream; the payload arrives trusted.
type WorkflowJobEvent struct {
	Action      string      `json:"action"`
	WorkflowJob WorkflowJob `json:"workflow_job"`
	Repository  Repository  `json:"repository"`
}

type WorkflowJob struct {
	ID         int64    `json:"id"`
	Labels     []string `json:"labels"`
	RunnerName string   `json:"runner_name"`
	Conclusion string   `json:"conclusion"`
	HTMLURL    string   `json:"html_url"`
}

type Repository struct {
	Name  string `json:"name"`
	Owner Owner  `json:"owner"`
}

type Owner struct {
	Login string `json:"login"`
}

// ProvisionCallback is posted by a booting machine (or its boot
// supervisor) to confirm or fail its provisioning.
type ProvisionCallback struct {
	Hostname string `json:"hostname"`
	Reason   string `json:"reason,omitempty"`
}

// FleetStatus is the response body of the fleet status endpoint.
type FleetStatus struct {
	RunnersTotal  int64 `json:"runners_total"`
	RunnersOnline int   `json:"runners_online"`
	JobsQueued    int64 `json:"jobs_queued"`
	JobsRunning   int64 `json:"jobs_running"`
	JobsThrottled int64 `json:"jobs_throttled"`
	CreateQueue   int64 `json:"create_queue_depth"`
	DeleteQueue   int64 `json:"delete_queue_depth"`
}
