package types

// WSResultMessage is pushed to WebSocket clients for every published analysis result.
type WSResultMessage struct {
	Type   string         `json:"type"` // "result"
	Result AnalysisResult `json:"result"`
}

// WSStatusMessage is pushed to WebSocket clients on connect and periodically afterwards.
type WSStatusMessage struct {
	Type    string        `json:"type"` // "status"
	Status  MonitorStatus `json:"status"`
	Version VersionInfo   `json:"version"`
}
