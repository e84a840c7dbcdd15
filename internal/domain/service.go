package domain

import "context"

type MigrationService interface {
	Init(ctx context.Context) error
	Up(ctx context.Context, target Target) (Result, error)
	Down(ctx context.Context, target Target) (Result, error)
	Status(ctx context.Context) (StatusReport, error)
}
