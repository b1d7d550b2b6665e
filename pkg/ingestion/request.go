package ingestion

// IngestRequest is a batch of raw observations from one producer.
type IngestRequest struct {
	Source  string                   `json:"source"`
	Records []map[string]interface{} `json:"records"`
}

type DeleteRequest struct {
	IDs []string `json:"ids"`
}

type LeaseRequest struct {
	Holder string `json:"holder"`
}

type DeleteResponse struct {
	Deleted int64  `json:"deleted"`
	Cutoff  string `json:"cutoff,omitempty"`
}
