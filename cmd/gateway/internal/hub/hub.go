package hub

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/watchlist"
)

type ClientInterface interface {
	ID() string
	UserID() string
	SendJSON(v interface{})
}

// Hub turns websocket commands into watchlist changes. Watchlists belong to the
// user, so a change made on one session reaches all of them through the
// dispatcher.
type Hub struct {
	watchlist *watchlist.Service
	store     repository.SnapshotStore
	logger    *zap.Logger
}

func NewHub(svc *watchlist.Service, store repository.SnapshotStore, logger *zap.Logger) *Hub {
	return &Hub{
		watchlist: svc,
		store:     store,
		logger:    logger,
	}
}

func (h *Hub) HandleCommand(ctx context.Context, client ClientInterface, req protocol.WSRequest) {
	switch req.Action {
	case protocol.ActionSubscribe:
		h.handleSubscribe(ctx, client, req)
	case protocol.ActionUnsubscribe:
		h.handleUnsubscribe(ctx, client, req)
	case protocol.ActionUnsubscribeAll:
		h.handleUnsubscribeAll(ctx, client, req)
	case protocol.ActionList:
		h.handleList(ctx, client, req)
	default:
		h.sendError(client, req.ID, "Unknown action: "+req.Action)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, client ClientInterface, req protocol.WSRequest) {
	var added []string
	for _, s := range req.Payload.Symbols {
		changed, err := h.watchlist.Add(ctx, client.UserID(), s)
		if err != nil {
			if !errors.Is(err, watchlist.ErrUnknownSymbol) {
				h.logger.Error("Subscribe failed", zap.String("user_id", client.UserID()), zap.Error(err))
			}
			continue
		}
		// Idempotency: already watched symbols are not reported
		if changed {
			added = append(added, watchlist.Normalize(s))
		}
	}

	if len(added) == 0 {
		h.sendError(client, req.ID, "No valid/new symbols provided")
		return
	}

	h.sendAck(client, req.ID, fmt.Sprintf("Subscribed to %v", added))
	h.sendSnapshots(ctx, client, added)
}

func (h *Hub) handleUnsubscribe(ctx context.Context, client ClientInterface, req protocol.WSRequest) {
	var removed []string
	for _, s := range req.Payload.Symbols {
		if changed, _ := h.watchlist.Remove(ctx, client.UserID(), s); changed {
			removed = append(removed, watchlist.Normalize(s))
		}
	}

	if len(removed) > 0 {
		h.sendAck(client, req.ID, fmt.Sprintf("Unsubscribed from %v", removed))
	} else {
		h.sendError(client, req.ID, fmt.Sprintf("Not subscribed to: %v", req.Payload.Symbols))
	}
}

func (h *Hub) handleUnsubscribeAll(ctx context.Context, client ClientInterface, req protocol.WSRequest) {
	h.watchlist.RemoveAll(ctx, client.UserID())
	h.sendAck(client, req.ID, "Unsubscribed from all symbols")
}

func (h *Hub) handleList(ctx context.Context, client ClientInterface, req protocol.WSRequest) {
	symbols := h.watchlist.List(ctx, client.UserID())
	client.SendJSON(protocol.WSResponse{Type: protocol.TypeWatchlist, ID: req.ID, Status: "success", Data: symbols})
}

func (h *Hub) sendSnapshots(ctx context.Context, client ClientInterface, symbols []string) {
	snapshots, err := h.store.GetSnapshots(ctx, symbols)
	if err != nil {
		h.logger.Warn("Snapshot lookup failed", zap.Strings("symbols", symbols), zap.Error(err))
		return
	}
	for _, snap := range snapshots {
		client.SendJSON(protocol.Snapshot(snap))
	}
}

func (h *Hub) sendAck(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeAck, ID: id, Status: "success", Message: msg})
}

func (h *Hub) sendError(c ClientInterface, id, msg string) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, ID: id, Status: "error", Message: msg})
}
