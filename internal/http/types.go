package http

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Shards int    `json:"shards"`
}

// AddDocumentRequest is the request body for POST /api/v1/documents.
// Exactly one of Text or Pages is set. Form feeds in Text separate pages.
type AddDocumentRequest struct {
	DocumentName string   `json:"document_name"`
	Text         string   `json:"text,omitempty"`
	Pages        []string `json:"pages,omitempty"`
}

// AddDocumentResponse is the response body for POST /api/v1/documents.
type AddDocumentResponse struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
	ShardDate  string `json:"shard_date"`
	ShardSize  int64  `json:"shard_size"`
}

// QueryRequest is the request body for POST /api/v1/query.
type QueryRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// QueryResult is one retrieved chunk.
type QueryResult struct {
	Text         string  `json:"text"`
	DocumentName string  `json:"document_name"`
	PageNumber   int     `json:"page_number"`
	Score        float64 `json:"score"`
	ShardDate    string  `json:"shard_date"`
}

// QueryResponse is the response body for POST /api/v1/query.
type QueryResponse struct {
	Results   []QueryResult `json:"results"`
	Citations []string      `json:"citations"`
}

// AskRequest is the request body for POST /api/v1/ask.
type AskRequest struct {
	Question string `json:"question"`
	TopK     int    `json:"top_k,omitempty"`
}

// Source describes a chunk used to answer a question.
type Source struct {
	SourceNumber   int     `json:"source_number"`
	DocumentName   string  `json:"document_name"`
	PageNumber     int     `json:"page_number"`
	ChunkPreview   string  `json:"chunk_preview"`
	RelevanceScore float64 `json:"relevance_score"`
}

// AskResponse is the response body for POST /api/v1/ask.
type AskResponse struct {
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
	Citations []string `json:"citations"`
}

// StatsResponse is the response body for GET /api/v1/stats.
type StatsResponse struct {
	DocumentCount int      `json:"document_count"`
	ChunkCount    int      `json:"chunk_count"`
	ShardDates    []string `json:"shard_dates"`
}

// PurgeResponse is the response body for POST /api/v1/purge.
type PurgeResponse struct {
	ShardsDropped int   `json:"shards_dropped"`
	RowsDeleted   int64 `json:"rows_deleted"`
}
