package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Job payloads are stored as raw JSON on the job row. Each job type has a
// typed variant below; fields the variants do not know about are preserved
// as-is, so a newer producer can hand extra keys through an older consumer.

// InitSessionPayload starts (or restarts) a login for a credential.
type InitSessionPayload struct {
	SessionID    uuid.UUID `json:"sessionId"`
	CredentialID uuid.UUID `json:"credentialId"`
	IsReconnect  bool      `json:"isReconnect,omitempty"`
}

// VerifySessionPayload probes an existing session.
type VerifySessionPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// PostImage is one rendered attachment, already ordered.
type PostImage struct {
	URL   string `json:"url"`
	Order int    `json:"order"`
}

// CreatePostPayload carries one fully rendered posting attempt.
type CreatePostPayload struct {
	ScheduleID     uuid.UUID         `json:"scheduleId"`
	ScheduleName   string            `json:"scheduleName"`
	RunID          uuid.UUID         `json:"runId"`
	SequenceNumber int               `json:"sequenceNumber"`
	TargetBoardKey string            `json:"targetBoardKey"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body"`
	Images         []PostImage       `json:"images,omitempty"`
	FixedFields    map[string]string `json:"fixedFields,omitempty"`
	RunMode        RunMode           `json:"runMode"`

	// Written back by the worker for dashboard consumption.
	ResultURL       string    `json:"resultUrl,omitempty"`
	ResultArticleID string    `json:"resultArticleId,omitempty"`
	ErrorCategory   ErrorCode `json:"errorCategory,omitempty"`
}

// SyncPostsPayload refreshes the local view of a credential's posts.
type SyncPostsPayload struct {
	CredentialID uuid.UUID `json:"credentialId"`
}

// DeletePostPayload removes one article from the target site.
type DeletePostPayload struct {
	CredentialID uuid.UUID `json:"credentialId"`
	ArticleID    string    `json:"articleId"`
}

// DecodePayload unmarshals a job's raw payload into the typed variant.
func DecodePayload[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// MergePayload overlays the typed variant's fields onto the raw payload,
// keeping keys the variant does not declare. Used when the worker writes
// results back without dropping forward-compat fields.
func MergePayload(raw []byte, v any) ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &merged); err != nil {
			return nil, fmt.Errorf("merge payload: %w", err)
		}
	}
	patch, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("merge payload: %w", err)
	}
	var patchKeys map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchKeys); err != nil {
		return nil, fmt.Errorf("merge payload: %w", err)
	}
	for k, val := range patchKeys {
		merged[k] = val
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merge payload: %w", err)
	}
	return out, nil
}
