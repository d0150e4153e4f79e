package repository

import (
	"context"
)

// SnapshotStore reads the latest cached price of symbols.
type SnapshotStore interface {
	GetSnapshots(ctx context.Context, symbols []string) ([]string, error)
}

// ViewCache holds the rendered watchlist of each user.
type ViewCache interface {
	GetWatchlistView(ctx context.Context, userID string) ([]string, bool, error)
	SetWatchlistView(ctx context.Context, userID string, symbols []string) error
	InvalidateWatchlistView(ctx context.Context, userID string) error
}

type PriceStore interface {
	SnapshotStore
	ViewCache
}
