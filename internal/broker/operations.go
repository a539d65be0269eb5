package broker

import (
	"context"
	"fmt"
	"strings"
)

// GetPositions returns normalized open positions. A 404/not-implemented
// upstream response degrades to (nil, nil) rather than an error — callers
// treat "unknown" as "assume flat, run cleanup" per §4.3.
func (c *Client) GetPositions(ctx context.Context, instrument string) ([]Position, error) {
	var resp positionSearchResponse
	err := c.post(ctx, "/Position/search", positionSearchRequest{AccountID: c.upstreamAccID}, &resp)
	if err == ErrNotImplemented {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		sym := p.symbol()
		if instrument != "" && sym != "" && !containsFold(sym, instrument) {
			continue
		}
		out = append(out, Position{Symbol: sym, NetSize: p.netSize(), AvgPrice: p.AvgPrice})
	}
	return out, nil
}

// GetOpenOrders returns normalized working orders, with the same
// not-implemented degradation as GetPositions.
func (c *Client) GetOpenOrders(ctx context.Context, instrument string) ([]OpenOrder, error) {
	var resp orderSearchResponse
	err := c.post(ctx, "/Order/search", orderSearchRequest{AccountID: c.upstreamAccID}, &resp)
	if err == ErrNotImplemented {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]OpenOrder, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		if instrument != "" && o.Symbol != "" && !containsFold(o.Symbol, instrument) {
			continue
		}
		side := SideBuy
		if o.Side == c.enumScheme.SellValue {
			side = SideSell
		}
		out = append(out, OpenOrder{
			OrderID: o.OrderID,
			Symbol:  o.Symbol,
			Side:    side,
			Type:    OrderType(o.Type),
			Size:    o.Size,
			Price:   o.Price,
		})
	}
	return out, nil
}

// GetAccountStatus is a shallow connectivity probe used by the status
// endpoint; it never returns an error, only a populated AccountStatus.
func (c *Client) GetAccountStatus(ctx context.Context) AccountStatus {
	acc, err := c.resolveAccount(ctx)
	if err != nil {
		return AccountStatus{Connected: false, Error: err.Error()}
	}
	return AccountStatus{Connected: true, AccountID: acc.ID.String()}
}

// GetAccountDetails fetches the upstream balance for the configured
// account.
func (c *Client) GetAccountDetails(ctx context.Context) (AccountDetails, error) {
	acc, err := c.resolveAccount(ctx)
	if err != nil {
		return AccountDetails{}, err
	}
	return AccountDetails{AccountID: acc.ID.String(), Balance: acc.Balance}, nil
}

// CancelOrder cancels a single order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.cancelOrder(ctx, orderID)
}

// CloseAllPositions flattens every position matching instrument (all
// positions if instrument is empty), then cancels every open order
// matching the same filter. It returns how many positions were closed and
// any per-position errors; it never aborts early on one failure so the
// caller can see the complete picture.
func (c *Client) CloseAllPositions(ctx context.Context, instrument string) (CloseResult, error) {
	positions, err := c.GetPositions(ctx, instrument)
	if err != nil {
		return CloseResult{}, fmt.Errorf("broker: fetch positions for close-all: %w", err)
	}

	var result CloseResult
	contractID, contractErr := "", error(nil)
	if len(positions) > 0 {
		contractID, contractErr = c.contractIDFor(ctx, instrument)
	}

	for _, p := range positions {
		if p.NetSize == 0 {
			continue
		}
		if contractErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: resolve contract: %v", p.Symbol, contractErr))
			continue
		}
		flatSide := SideBuy
		if p.NetSize > 0 {
			flatSide = SideSell
		}
		qty := p.NetSize
		if qty < 0 {
			qty = -qty
		}
		if _, err := c.placeOrder(ctx, contractID, OrderTypeMarket, flatSide, qty, nil, nil); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p.Symbol, err))
			continue
		}
		result.Closed++
	}

	orders, err := c.GetOpenOrders(ctx, instrument)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetch open orders: %v", err))
		return result, nil
	}
	for _, o := range orders {
		if err := c.cancelOrder(ctx, o.OrderID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("cancel %s: %v", o.OrderID, err))
		}
	}

	return result, nil
}

func (c *Client) contractIDFor(ctx context.Context, instrument string) (string, error) {
	ct, err := c.resolveContract(ctx, instrument)
	if err != nil {
		return "", err
	}
	return ct.ID, nil
}

// PlaceMarketOrder submits a single market order.
func (c *Client) PlaceMarketOrder(ctx context.Context, instrument string, side Side, qty float64) (OrderLeg, error) {
	contractID, err := c.contractIDFor(ctx, instrument)
	if err != nil {
		return OrderLeg{}, err
	}
	id, err := c.placeOrder(ctx, contractID, OrderTypeMarket, side, qty, nil, nil)
	if err != nil {
		return OrderLeg{Failed: true, Error: err.Error()}, err
	}
	return OrderLeg{OrderID: id}, nil
}

// PlaceStopOrder submits a single stop order.
func (c *Client) PlaceStopOrder(ctx context.Context, instrument string, side Side, stopPrice, qty float64) (OrderLeg, error) {
	contractID, err := c.contractIDFor(ctx, instrument)
	if err != nil {
		return OrderLeg{}, err
	}
	id, err := c.placeOrder(ctx, contractID, OrderTypeStop, side, qty, &stopPrice, nil)
	if err != nil {
		return OrderLeg{Failed: true, Error: err.Error()}, err
	}
	return OrderLeg{OrderID: id, Price: stopPrice}, nil
}

// PlaceLimitOrder submits a single limit order.
func (c *Client) PlaceLimitOrder(ctx context.Context, instrument string, side Side, limitPrice, qty float64) (OrderLeg, error) {
	contractID, err := c.contractIDFor(ctx, instrument)
	if err != nil {
		return OrderLeg{}, err
	}
	id, err := c.placeOrder(ctx, contractID, OrderTypeLimit, side, qty, nil, &limitPrice)
	if err != nil {
		return OrderLeg{Failed: true, Error: err.Error()}, err
	}
	return OrderLeg{OrderID: id, Price: limitPrice}, nil
}

// PlaceBracketOrder is the critical transaction described in §4.3: market
// entry, protective stop, and take-profit, with cleanup of any residual
// position/orders beforehand unless skipCleanup is set (the caller already
// flattened as part of a reversal).
func (c *Client) PlaceBracketOrder(ctx context.Context, instrument string, side Side, stopPrice, tpPrice, qty float64, skipCleanup bool) (BracketResult, error) {
	if !skipCleanup {
		closeResult, err := c.CloseAllPositions(ctx, instrument)
		if err != nil {
			return BracketResult{}, fmt.Errorf("broker: pre-entry cleanup: %w", err)
		}
		if len(closeResult.Errors) > 0 {
			return BracketResult{}, fmt.Errorf("%w: %v", ErrCleanupIncomplete, closeResult.Errors)
		}
	}

	contractID, err := c.contractIDFor(ctx, instrument)
	if err != nil {
		return BracketResult{}, fmt.Errorf("broker: resolve contract: %w", err)
	}

	entryID, err := c.placeOrder(ctx, contractID, OrderTypeMarket, side, qty, nil, nil)
	if err != nil {
		return BracketResult{}, fmt.Errorf("broker: entry order: %w", err)
	}
	result := BracketResult{Entry: OrderLeg{OrderID: entryID}}

	stopID, err := c.placeOrder(ctx, contractID, OrderTypeStop, side.Opposite(), qty, &stopPrice, nil)
	if err != nil {
		result.StopLoss = OrderLeg{Failed: true, Error: err.Error()}
		return result, fmt.Errorf("%w: %v", ErrUnprotectedPosition, err)
	}
	result.StopLoss = OrderLeg{OrderID: stopID, Price: stopPrice}

	tpID, err := c.placeOrder(ctx, contractID, OrderTypeLimit, side.Opposite(), qty, nil, &tpPrice)
	if err != nil {
		result.TakeProfit = OrderLeg{Failed: true, Error: err.Error()}
		result.Partial = true
		result.Warning = "take-profit order failed; position remains protected by stop-loss: " + err.Error()
		return result, nil
	}
	result.TakeProfit = OrderLeg{OrderID: tpID, Price: tpPrice}

	return result, nil
}

func containsFold(haystack, needle string) bool {
	return needle == "" || strings.Contains(strings.ToUpper(haystack), strings.ToUpper(needle))
}
