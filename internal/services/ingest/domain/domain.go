// Package domain defines the types and interfaces for the ingest service
package domain

import "context"

// Submission is one client request as it arrives at the front door
type Submission struct {
	Body        []byte
	ContentType string
	UserAgent   string
}

// SubmitterPort accepts violation submissions. The returned error is
// internal accounting only; the HTTP layer acknowledges regardless.
type SubmitterPort interface {
	Submit(ctx context.Context, sub Submission) error
}
