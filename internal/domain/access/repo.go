package access

import "context"

type Repository interface {
	// GrantFor returns ledgererr.ErrNotFound when the pair was never written.
	GrantFor(ctx context.Context, patientID, doctorAddress string) (*Grant, error)
	PutGrant(ctx context.Context, g *Grant) error
	// GrantedDoctors lists doctor addresses currently granted, sorted.
	GrantedDoctors(ctx context.Context, patientID string) ([]string, error)
}
