package httpserver

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/kestrelpay/onramp/internal/domain/orderstore"
	"github.com/kestrelpay/onramp/internal/observability"
)

// streamInterval spaces status snapshots pushed over an order stream.
const streamInterval = 2 * time.Second

type orderSnapshot struct {
	OrderID     uuid.UUID         `json:"order_id"`
	OrderNumber int64             `json:"order_number"`
	Reference   string            `json:"reference"`
	Status      orderstore.Status `json:"status"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// streamOrder upgrades the request to a websocket and pushes status snapshots
// of the order until the client disconnects. Ownership is checked before the
// upgrade so denials surface as plain HTTP statuses.
func (s *httpServer) streamOrder(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	caller, ok := callerID(w, r)
	if !ok {
		return
	}
	order, err := s.orders.GetOrder(r.Context(), id, caller)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observability.Log().Error("order stream upgrade failed",
			observability.F("order_id", id),
			observability.F("error", err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := r.Context()
	if err := wsjson.Write(ctx, conn, snapshotOf(order)); err != nil {
		return
	}

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	last := order.Status
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := s.orders.GetOrder(ctx, id, caller)
			if err != nil {
				// The order disappeared or access was revoked mid-stream.
				conn.Close(websocket.StatusPolicyViolation, "order unavailable")
				return
			}
			if current.Status == last {
				continue
			}
			last = current.Status
			if err := wsjson.Write(ctx, conn, snapshotOf(current)); err != nil {
				return
			}
		}
	}
}

func snapshotOf(order orderstore.Order) orderSnapshot {
	return orderSnapshot{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Reference:   order.Reference(),
		Status:      order.Status,
		UpdatedAt:   order.UpdatedAt,
	}
}
