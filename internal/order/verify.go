package order

import (
	"context"
	"time"

	"execution-core/internal/permissions"
	"execution-core/pkg/exchanges/common"
)

// verifyPlaced looks the order up among open orders, then the position,
// retrying once after a short delay. It never changes the attempt's status.
func (s *Service) verifyPlaced(ctx context.Context, req Request, exchangeOrderID, clientID string) VerifyOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
	defer cancel()

	out := s.verifyOnce(ctx, req, exchangeOrderID, clientID)
	out.Attempts = 1
	if out.Status != VerifyFound && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.VerifyRetryDelay):
			out = s.verifyOnce(ctx, req, exchangeOrderID, clientID)
			out.Attempts = 2
		}
	}
	if ctx.Err() != nil && out.Status != VerifyFound {
		out.Status = VerifyUnknown
		out.Snippet = "verify timeout"
	}
	if out.Status == VerifyUnknown {
		out.Warning = "could not confirm order on exchange; it may be filled or delayed"
	}
	return out
}

func (s *Service) verifyOnce(ctx context.Context, req Request, exchangeOrderID, clientID string) VerifyOutcome {
	symbol := common.NormalizeSymbol(req.Symbol)
	orders, err := req.Adapter.GetOpenOrders(ctx, symbol)
	if err != nil {
		return VerifyOutcome{Status: VerifyUnknown, Snippet: permissions.SanitizeSnippet(err.Error())}
	}
	for _, o := range orders {
		if (exchangeOrderID != "" && o.OrderID == exchangeOrderID) || (clientID != "" && o.ClientID == clientID) {
			return VerifyOutcome{Status: VerifyFound, Via: "open_orders"}
		}
	}

	if req.ReduceOnly || orderType(req.Type) != common.OrderTypeMarket {
		return VerifyOutcome{Status: VerifyNotFound, Via: "open_orders"}
	}
	pos, err := req.Adapter.GetOpenPosition(ctx, symbol)
	if err != nil {
		return VerifyOutcome{Status: VerifyUnknown, Snippet: permissions.SanitizeSnippet(err.Error())}
	}
	if pos != nil && pos.Size > 0 {
		return VerifyOutcome{Status: VerifyFound, Via: "position"}
	}
	return VerifyOutcome{Status: VerifyNotFound, Via: "position"}
}
