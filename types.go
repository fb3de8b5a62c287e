package askdb

// AskInput is the input for one question.
type AskInput struct {
	Question string `json:"question"`
}

// AskResult is the validated output of one question. SQL is the generated
// statement the engine used, when it consulted the database; it has already
// passed the safety validator by the time a caller sees it.
type AskResult struct {
	Answer string `json:"answer"`
	SQL    string `json:"sql,omitempty"`
}

// HealthStatus reports pool connectivity for the liveness endpoint.
type HealthStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}
